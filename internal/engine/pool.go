package engine

import "sync"

// pool bounds how many submitted functions run at once. Admission order is
// the submission order: submit blocks until a slot frees, so callers feed
// work first-come first-served.
type pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func newPool(size int) *pool {
	return &pool{sem: make(chan struct{}, size)}
}

// submit blocks until a slot is free, then runs fn on its own goroutine. The
// slot is released when fn returns, even on panic.
func (p *pool) submit(fn func()) {
	p.sem <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
}

// wait blocks until every submitted function has returned.
func (p *pool) wait() {
	p.wg.Wait()
}
