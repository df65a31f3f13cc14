package model

// Verdict is the outcome of comparing an extracted value with a recorded one.
type Verdict string

const (
	VerdictAccepted     Verdict = "QaAccepted"
	VerdictRejected     Verdict = "QaRejected"
	VerdictNotAttempted Verdict = "QaNotAttempted"
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	return string(v)
}

// QualityFlag qualifies a verdict beyond accepted/rejected.
type QualityFlag string

const (
	QualityNone        QualityFlag = ""
	QualityNoDataFound QualityFlag = "NoDataFound"
)

// Finding is the leaf of every report: a verdict, a human readable comment and
// the corrected value when the recorded one was rejected.
type Finding struct {
	Verdict       Verdict     `json:"verdict"`
	Comment       string      `json:"comment,omitempty"`
	CorrectedData any         `json:"corrected_data,omitempty"`
	Quality       QualityFlag `json:"quality,omitempty"`
}

// Accepted returns an accepted finding with no correction.
func Accepted() Finding {
	return Finding{Verdict: VerdictAccepted}
}

// NotAttempted returns a finding that makes no assertion.
func NotAttempted(comment string) Finding {
	return Finding{Verdict: VerdictNotAttempted, Comment: comment}
}
