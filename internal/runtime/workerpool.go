package runtime

import "context"

// workerPool bounds the number of blocking handler bodies and health probes
// executing at once. It is a counting semaphore rather than a fixed set of
// goroutines: callers bring their own goroutine and borrow a slot for the
// duration of the work.
type workerPool struct {
	slots chan struct{}
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{slots: make(chan struct{}, size)}
}

// Run executes fn while holding a pool slot. It blocks until a slot is free
// or ctx is done.
func (p *workerPool) Run(ctx context.Context, fn func()) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.slots }()
	fn()
	return nil
}

// InUse reports how many slots are currently held.
func (p *workerPool) InUse() int {
	return len(p.slots)
}

// Size reports the pool's slot capacity.
func (p *workerPool) Size() int {
	return cap(p.slots)
}
