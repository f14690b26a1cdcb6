// Package notifytest provides an in-memory notification sink for tests.
package notifytest

import (
	"context"
	"sync"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// Recorder keeps notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []types.Notification
}

func (r *Recorder) Notify(_ context.Context, n types.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []types.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// OfKind returns recorded notifications of kind k.
func (r *Recorder) OfKind(k types.NotificationKind) []types.Notification {
	var out []types.Notification
	for _, n := range r.Sent() {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
