package messaging

import (
	"context"
	"sync"
	"time"
)

type slotResult struct {
	body []byte
	err  error
}

// replySlot is a single-use rendezvous between the goroutine waiting in
// Publish and the reply consumer. The first resolve or reject wins; the
// buffered channel keeps a result that arrives before wait is entered.
type replySlot struct {
	once   sync.Once
	result chan slotResult
}

func newReplySlot() *replySlot {
	return &replySlot{result: make(chan slotResult, 1)}
}

// resolve delivers body to the waiter. It reports false if the slot was
// already settled.
func (s *replySlot) resolve(body []byte) bool {
	return s.settle(slotResult{body: body})
}

// reject wakes the waiter with err
func (s *replySlot) reject(err error) bool {
	return s.settle(slotResult{err: err})
}

func (s *replySlot) settle(r slotResult) bool {
	settled := false
	s.once.Do(func() {
		s.result <- r
		settled = true
	})
	return settled
}

// wait blocks until the slot is settled, the deadline passes or ctx is done.
// An elapsed deadline yields ErrTimeout.
func (s *replySlot) wait(ctx context.Context, deadline time.Time) ([]byte, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case r := <-s.result:
		return r.body, r.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
