package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/datapoint-review/internal/model"
)

// DLQEntry is a review item the scheduler failed to process.
type DLQEntry struct {
	ID           string            `json:"id"`
	Item         model.PendingItem `json:"item"`
	Error        string            `json:"error"`
	ErrorType    ErrorClass        `json:"error_type"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	NextRetryAt  time.Time         `json:"next_retry_at"`
	CreatedAt    time.Time         `json:"created_at"`
	LastFailedAt time.Time         `json:"last_failed_at"`
}

// DLQFilter narrows a dead letter queue listing.
type DLQFilter struct {
	ErrorType ErrorClass `json:"error_type,omitempty"` // empty = all
	DueBefore time.Time  `json:"due_before,omitempty"` // zero = any
	Limit     int        `json:"limit,omitempty"`
}

// dlqNamespace seeds the per-item entry ids.
var dlqNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("datapoint-review/dlq"))

// DLQEntryID is the id of item's entry. An item has at most one entry, so a
// repeated failure updates it instead of adding a duplicate.
func DLQEntryID(item model.PendingItem) string {
	return uuid.NewSHA1(dlqNamespace, []byte(string(item.Kind)+"/"+item.ID)).String()
}

// NewDLQEntry builds an entry for a first failure of item. Permanent errors
// get no retries.
func NewDLQEntry(item model.PendingItem, err error, maxRetries int, now time.Time) DLQEntry {
	class := Classify(err)
	if class == ClassPermanent {
		maxRetries = 0
	}
	e := DLQEntry{
		ID:           DLQEntryID(item),
		Item:         item,
		Error:        err.Error(),
		ErrorType:    class,
		MaxRetries:   maxRetries,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	e.NextRetryAt = now.Add(RetryDelay(0))
	return e
}

// CanRetry reports whether the entry has retries left.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// RetryDelay is the wait before retry number n (0-based): 5m, 10m, 20m, capped at 6h.
func RetryDelay(n int) time.Duration {
	const ceiling = 6 * time.Hour
	d := 5 * time.Minute
	for i := 0; i < n && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}
