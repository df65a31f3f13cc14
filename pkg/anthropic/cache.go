package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint. The reviewer system prompt is the same for every extraction
// call, so it is sent as a cached system block.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: "5m"},
		},
	}
}
