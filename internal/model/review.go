package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RunMetadata records how a review was produced.
type RunMetadata struct {
	AIModel    string    `json:"ai_model"`
	UseOCR     bool      `json:"use_ocr"`
	Override   bool      `json:"override"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// ValidatedDatapoint is the persisted outcome of a successful datapoint review.
type ValidatedDatapoint struct {
	DatapointID     string      `json:"datapoint_id"`
	DatapointType   string      `json:"datapoint_type"`
	PreviousAnswer  string      `json:"previous_answer"`
	PredictedAnswer string      `json:"predicted_answer"`
	Confidence      float64     `json:"confidence"`
	Reasoning       string      `json:"reasoning"`
	Verdict         Verdict     `json:"verdict"`
	Comment         string      `json:"comment,omitempty"`
	Correction      string      `json:"correction,omitempty"`
	Quality         QualityFlag `json:"quality,omitempty"`
	RunMetadata
}

// CannotValidateDatapoint is persisted when a review could not run at all.
type CannotValidateDatapoint struct {
	DatapointID   string `json:"datapoint_id"`
	DatapointType string `json:"datapoint_type,omitempty"`
	Reason        string `json:"reason"`
	RunMetadata
}

// DatapointReview is exactly one of Validated or CannotValidate.
type DatapointReview struct {
	Validated      *ValidatedDatapoint      `json:"validated,omitempty"`
	CannotValidate *CannotValidateDatapoint `json:"cannot_validate,omitempty"`
	Cached         bool                     `json:"cached"`
	Persisted      bool                     `json:"persisted"`
}

// DatapointID returns the id of whichever record is set.
func (r *DatapointReview) DatapointID() string {
	switch {
	case r.Validated != nil:
		return r.Validated.DatapointID
	case r.CannotValidate != nil:
		return r.CannotValidate.DatapointID
	default:
		return ""
	}
}

// Verdict returns the verdict, or NotAttempted for a CannotValidate record.
func (r *DatapointReview) Verdict() Verdict {
	if r.Validated != nil {
		return r.Validated.Verdict
	}
	return VerdictNotAttempted
}

// ReviewedDataset is the claim row of a dataset review.
type ReviewedDataset struct {
	DatasetID  string     `json:"dataset_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Completed  bool       `json:"completed"`
	ReportID   string     `json:"report_id,omitempty"`
	AIModel    string     `json:"ai_model,omitempty"`
	UseOCR     bool       `json:"use_ocr"`
}

// DatasetReview is what a dataset review returns to its caller.
type DatasetReview struct {
	Claim  ReviewedDataset `json:"review"`
	Report *Report         `json:"report"`
}

// CachedDocumentPage is the OCR text of one page of one document.
type CachedDocumentPage struct {
	FileReference string    `json:"file_reference"`
	Page          int       `json:"page"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at"`
}

func formatAny(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
