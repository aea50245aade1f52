// Package notifytest provides a notify.Notifier for tests.
package notifytest

import (
	"sync"

	"github.com/MarcoPoloResearchLab/haveibeento/internal/notify"
)

var _ notify.Notifier = (*Recorder)(nil)

// Recorder keeps notices in memory so tests can assert on them.
type Recorder struct {
	mu        sync.Mutex
	successes []string
	failures  []string
}

func (r *Recorder) Success(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, message)
}

func (r *Recorder) Failure(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, message)
}

// Successes returns a copy of the recorded success notices.
func (r *Recorder) Successes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.successes...)
}

// Failures returns a copy of the recorded failure notices.
func (r *Recorder) Failures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failures...)
}
