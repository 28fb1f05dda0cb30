package client

import (
	"sync"
	"sync/atomic"
)

// resettableOnce is like sync.Once but can be reset, so Close can run again
// after a reconnect.
type resettableOnce struct {
	done atomic.Bool
	m    sync.Mutex
}

// Do calls f unless Do already ran since the last reset. Concurrent callers
// block until f returns.
func (o *resettableOnce) Do(f func()) {
	if o.done.Load() {
		return
	}

	o.m.Lock()
	defer o.m.Unlock()

	if !o.done.Load() {
		defer o.done.Store(true)
		f()
	}
}

// Reset allows the next Do to run f again. It waits for a running Do.
func (o *resettableOnce) Reset() {
	o.m.Lock()
	defer o.m.Unlock()
	o.done.Store(false)
}
