package upload

import "context"

// Gate serializes uploads from a single producer. It is a one-slot channel
// used as a lock token, so waiting is cancellable and never polls.
type Gate struct {
	token chan struct{}
}

// NewGate returns an unlocked gate.
func NewGate() *Gate {
	return &Gate{token: make(chan struct{}, 1)}
}

// Acquire blocks until no upload is in flight or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the gate if it is free.
func (g *Gate) TryAcquire() bool {
	select {
	case g.token <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the gate. Releasing an unheld gate panics, like sync.Mutex.
func (g *Gate) Release() {
	select {
	case <-g.token:
	default:
		panic("upload: release of unheld gate")
	}
}
