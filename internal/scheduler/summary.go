package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// Summary tallies one scheduler run.
type Summary struct {
	Iterations    int
	IdleCycles    int
	StalledCycles int // batches in which no item was reviewed
	Items         int
	Accepted      int
	Rejected      int
	NotAttempted  int
	Skipped       int
	Errored       int
	Elapsed       time.Duration
}

func (s *Summary) add(r itemResult) {
	if r.skipped {
		s.Skipped++
		return
	}
	s.Accepted += r.counts.Accepted
	s.Rejected += r.counts.Rejected
	s.NotAttempted += r.counts.NotAttempted
}

// String renders the summary posted to the alert sink.
func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review run: %d iteration(s), %d item(s) in %s\n",
		s.Iterations, s.Items, s.Elapsed.Round(time.Second))
	fmt.Fprintf(&b, "accepted=%d rejected=%d not_attempted=%d skipped=%d errored=%d",
		s.Accepted, s.Rejected, s.NotAttempted, s.Skipped, s.Errored)
	return b.String()
}
