// Package compare turns a recorded value and an extracted value into a
// verdict.
package compare

import (
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/sells-group/datapoint-review/internal/model"
)

// DefaultEpsilon is the numeric tolerance when no category override exists.
const DefaultEpsilon = 0.01

// Outcome is the result of one comparison.
type Outcome struct {
	Field      string
	Verdict    model.Verdict
	Comment    string
	Correction any
	Quality    model.QualityFlag
}

// Finding converts the outcome into a report leaf.
func (o Outcome) Finding() model.Finding {
	f := model.Finding{Verdict: o.Verdict, Comment: o.Comment, Quality: o.Quality}
	if o.Verdict == model.VerdictRejected {
		f.CorrectedData = o.Correction
	}
	return f
}

// normalize case-folds s. Casers are stateful, so each call builds its own.
func normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Categorical compares two categorical answers ignoring case and
// surrounding whitespace.
func Categorical(field, recorded, extracted string) Outcome {
	out := Outcome{Field: field}
	if strings.TrimSpace(recorded) == "" || strings.TrimSpace(extracted) == "" {
		out.Verdict = model.VerdictNotAttempted
		out.Comment = fmt.Sprintf("%s: missing value", field)
		return out
	}
	if normalize(recorded) == normalize(extracted) {
		out.Verdict = model.VerdictAccepted
		return out
	}
	out.Verdict = model.VerdictRejected
	out.Comment = fmt.Sprintf("%s: %s != %s", field, strings.TrimSpace(recorded), strings.TrimSpace(extracted))
	out.Correction = strings.TrimSpace(extracted)
	return out
}

// IsSentinel reports whether v is a "no data" marker rather than a value.
func IsSentinel(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	switch normalize(s) {
	case "not found", "n/a", "na", "not available":
		return true
	}
	return false
}

func isMissing(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

// Numeric compares two numeric answers with tolerance eps. Missing values
// are never accepted; a sentinel on one side only rejects with NoDataFound.
func Numeric(field string, recorded, extracted any, eps float64) Outcome {
	out := Outcome{Field: field, Verdict: model.VerdictNotAttempted}
	if isMissing(recorded) || isMissing(extracted) {
		out.Comment = fmt.Sprintf("%s: missing value", field)
		return out
	}

	rs, es := IsSentinel(recorded), IsSentinel(extracted)
	switch {
	case rs && es:
		out.Comment = fmt.Sprintf("%s: no data on either side", field)
		return out
	case rs || es:
		out.Verdict = model.VerdictRejected
		out.Quality = model.QualityNoDataFound
		out.Comment = fmt.Sprintf("%s: no data found", field)
		out.Correction = extracted
		return out
	}

	a, err := ParseNumber(recorded)
	if err != nil {
		out.Comment = fmt.Sprintf("%s: recorded value %v is not a number", field, recorded)
		return out
	}
	b, err := ParseNumber(extracted)
	if err != nil {
		out.Comment = fmt.Sprintf("%s: extracted value %v is not a number", field, extracted)
		return out
	}

	if withinTolerance(a, b, eps) {
		out.Verdict = model.VerdictAccepted
		return out
	}
	out.Verdict = model.VerdictRejected
	out.Comment = fmt.Sprintf("%s: %s != %s", field, formatNumber(a), formatNumber(b))
	out.Correction = b
	return out
}

// roundingSlack is a few float64 ulps, relative to the operands.
const roundingSlack = 4 * 0x1p-52

// withinTolerance reports |a-b| <= eps. Decimal inputs are not exact in
// binary, so 1.00 vs 1.01 with eps 0.01 may differ by slightly more than
// eps; the slack covers that and nothing wider.
func withinTolerance(a, b, eps float64) bool {
	slack := roundingSlack * math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= eps+slack
}

// ParseNumber accepts finite numbers and numeric strings such as "12.5",
// "12,5 %", "0,125" and "1,234.5". NaN and infinities are rejected.
func ParseNumber(v any) (float64, error) {
	var (
		f   float64
		err error
	)
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case interface{ Float64() (float64, error) }:
		f, err = t.Float64()
	case string:
		f, err = parseNumericString(t)
	default:
		return 0, eris.Errorf("compare: unsupported numeric value %T", v)
	}
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, eris.Errorf("compare: %v is not a finite number", v)
	}
	return f, nil
}

func parseNumericString(s string) (float64, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '%', '\'':
			return -1
		}
		return r
	}, strings.TrimSpace(s))

	dot := strings.LastIndex(clean, ".")
	comma := strings.LastIndex(clean, ",")
	switch {
	case dot >= 0 && comma >= 0 && comma < dot:
		clean = strings.ReplaceAll(clean, ",", "")
	case dot >= 0 && comma >= 0:
		clean = strings.ReplaceAll(clean, ".", "")
		clean = strings.Replace(clean, ",", ".", 1)
	case comma >= 0:
		if strings.Count(clean, ",") > 1 || isThousandsComma(clean, comma) {
			clean = strings.ReplaceAll(clean, ",", "")
		} else {
			clean = strings.Replace(clean, ",", ".", 1)
		}
	}

	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "compare: parse %q", s)
	}
	return f, nil
}

// isThousandsComma reports whether the only comma of s, at index comma,
// groups thousands: "1,234" and "-12,500" do, "0,125" and "1234,567" do not.
func isThousandsComma(s string, comma int) bool {
	if len(s)-comma-1 != 3 {
		return false
	}
	intPart := strings.TrimLeft(s[:comma], "+-")
	if len(intPart) == 0 || len(intPart) > 3 || strings.TrimLeft(intPart, "0") == "" {
		return false
	}
	for _, r := range intPart {
		if r < '0' || r > '9' {
			return false
		}
	}
	return intPart[0] != '0'
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Tolerances holds the numeric epsilon per category.
type Tolerances struct {
	Default    float64
	ByCategory map[string]float64
}

// For returns the epsilon of category.
func (t Tolerances) For(category string) float64 {
	if eps, ok := t.ByCategory[category]; ok {
		return eps
	}
	return t.Default
}

// Aggregate folds sub-outcomes into one. It accepts only when every
// attempted outcome accepts and at least one was attempted.
func Aggregate(outcomes ...Outcome) Outcome {
	var (
		out         = Outcome{Verdict: model.VerdictNotAttempted}
		comments    []string
		corrections = map[string]any{}
		accepted    int
		noData      = true
	)
	for _, o := range outcomes {
		switch o.Verdict {
		case model.VerdictAccepted:
			accepted++
		case model.VerdictRejected:
			out.Verdict = model.VerdictRejected
			if o.Comment != "" {
				comments = append(comments, o.Comment)
			}
			if o.Quality != model.QualityNoDataFound {
				noData = false
			}
			switch c := o.Correction.(type) {
			case nil:
			case map[string]any:
				maps.Copy(corrections, c)
			default:
				corrections[o.Field] = c
			}
		}
	}

	switch {
	case out.Verdict == model.VerdictRejected:
		out.Comment = strings.Join(comments, "; ")
		if len(corrections) > 0 {
			out.Correction = corrections
		}
		if noData {
			out.Quality = model.QualityNoDataFound
		}
	case accepted > 0:
		out.Verdict = model.VerdictAccepted
	}
	return out
}

// IsNumericType reports whether a declared datapoint type is compared
// numerically. Everything else is categorical.
func IsNumericType(dataType string) bool {
	t := strings.ToLower(dataType)
	for _, marker := range []string{"decimal", "percentage", "integer", "number", "float", "amount"} {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}
