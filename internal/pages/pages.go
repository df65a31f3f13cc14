// Package pages resolves datasource page references into page numbers.
package pages

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapoint-review/internal/model"
)

// maxRangeSpan caps how many pages one hyphenated range may expand to.
const maxRangeSpan = 200

// ParseRef parses a page reference: a single page ("12"), an inclusive range
// ("58-59") or a comma separated list of either ("3, 7-8").
func ParseRef(ref string) ([]int, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, eris.New("pages: empty reference")
	}

	var out []int
	for _, part := range strings.Split(ref, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			n, err := parsePage(part)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
			continue
		}
		start, err := parsePage(lo)
		if err != nil {
			return nil, err
		}
		end, err := parsePage(hi)
		if err != nil {
			return nil, err
		}
		if end < start {
			return nil, eris.Errorf("pages: descending range %q", part)
		}
		if end-start > maxRangeSpan {
			return nil, eris.Errorf("pages: range %q spans more than %d pages", part, maxRangeSpan)
		}
		for p := start; p <= end; p++ {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, eris.Errorf("pages: no pages in reference %q", ref)
	}
	return out, nil
}

func parsePage(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, eris.Wrapf(err, "pages: invalid page %q", s)
	}
	if n < 1 {
		return 0, eris.Errorf("pages: page %d out of range", n)
	}
	return n, nil
}

// Resolve returns the sorted, de-duplicated union of pages referenced by the
// given field datasources. Nil datasources are skipped, malformed references
// are logged and skipped.
func Resolve(fields map[string]*model.Provenance) ([]int, error) {
	set := make(map[int]struct{})
	for key, src := range fields {
		for _, p := range fieldPages(key, src) {
			set[p] = struct{}{}
		}
	}
	return sortedSet(set), nil
}

// Document is the set of pages referenced in one source document.
type Document struct {
	FileReference string
	FileName      string
	Pages         []int
	Fields        []string
}

// ResolveByDocument groups resolved pages per file reference. Documents are
// ordered by the number of fields referencing them, most first, then by file
// reference.
func ResolveByDocument(fields map[string]*model.Provenance) []Document {
	type acc struct {
		name   string
		pages  map[int]struct{}
		fields []string
	}
	byRef := make(map[string]*acc)
	for key, src := range fields {
		ps := fieldPages(key, src)
		if len(ps) == 0 || src.FileReference == "" {
			continue
		}
		a, ok := byRef[src.FileReference]
		if !ok {
			a = &acc{pages: make(map[int]struct{})}
			byRef[src.FileReference] = a
		}
		if a.name == "" {
			a.name = src.FileName
		}
		a.fields = append(a.fields, key)
		for _, p := range ps {
			a.pages[p] = struct{}{}
		}
	}

	docs := make([]Document, 0, len(byRef))
	for ref, a := range byRef {
		sort.Strings(a.fields)
		docs = append(docs, Document{
			FileReference: ref,
			FileName:      a.name,
			Pages:         sortedSet(a.pages),
			Fields:        a.fields,
		})
	}
	sort.Slice(docs, func(i, j int) bool {
		if len(docs[i].Fields) != len(docs[j].Fields) {
			return len(docs[i].Fields) > len(docs[j].Fields)
		}
		return docs[i].FileReference < docs[j].FileReference
	})
	return docs
}

func fieldPages(key string, src *model.Provenance) []int {
	if src == nil || strings.TrimSpace(src.Page) == "" {
		return nil
	}
	ps, err := ParseRef(src.Page)
	if err != nil {
		zap.L().Warn("pages: skipping malformed page reference",
			zap.String("field", key),
			zap.String("page", src.Page),
			zap.Error(err),
		)
		return nil
	}
	return ps
}

func sortedSet(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
