package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultContract is the output contract of single-answer extractions.
const DefaultContract = `{
  "type": "object",
  "required": ["predicted_answer", "confidence", "reasoning"],
  "properties": {
    "predicted_answer": {},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"},
    "verdict": {"type": "string"}
  }
}`

// contractInstruction is appended to every structured prompt.
func contractInstruction(schema []byte) string {
	return fmt.Sprintf("Respond with a single JSON object and nothing else: no markdown, no commentary. "+
		"The object must validate against this JSON Schema:\n%s", schema)
}

// CompileContract parses and compiles a JSON Schema. An empty schema compiles
// the default contract.
func CompileContract(schema []byte) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		schema = []byte(DefaultContract)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("contract.json", bytes.NewReader(schema)); err != nil {
		return nil, eris.Wrap(err, "extraction: load contract schema")
	}
	compiled, err := compiler.Compile("contract.json")
	if err != nil {
		return nil, eris.Wrap(err, "extraction: compile contract schema")
	}
	return compiled, nil
}

// failure modes recorded in the sentinel reasoning
const (
	failTransport = "transport error"
	failEmpty     = "empty response"
	failParse     = "unparseable JSON"
	failContract  = "output contract violation"
)

type attemptError struct {
	mode string
	err  error
}

func (e *attemptError) Error() string {
	if e.err == nil {
		return e.mode
	}
	return e.mode + ": " + e.err.Error()
}

func (e *attemptError) Unwrap() error { return e.err }

// parseStructured decodes text as one JSON object and validates it. Anything
// around the object other than a single markdown fence is a parse failure.
func parseStructured(text string, schema *jsonschema.Schema) (map[string]any, error) {
	candidate := jsonCandidate(text)
	if candidate == "" {
		return nil, &attemptError{mode: failEmpty}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, &attemptError{mode: failParse, err: err}
	}
	if obj == nil {
		return nil, &attemptError{mode: failParse, err: eris.New("response is not a JSON object")}
	}
	if err := schema.Validate(obj); err != nil {
		return nil, &attemptError{mode: failContract, err: err}
	}
	return obj, nil
}

// jsonCandidate trims text and removes one surrounding ``` or ```json fence.
func jsonCandidate(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	nl := strings.IndexByte(trimmed, '\n')
	if nl < 0 || !strings.HasSuffix(trimmed, "```") || len(trimmed) < nl+4 {
		return trimmed
	}
	if lang := strings.TrimSpace(trimmed[3:nl]); lang != "" && !strings.EqualFold(lang, "json") {
		return trimmed
	}
	return strings.TrimSpace(trimmed[nl+1 : len(trimmed)-3])
}
