// Package events provides typed observer lists with isolated fan-out.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	"github.com/DragonSecurity/ocppnet/pkg/util"
)

// Handle identifies one subscription.
type Handle uint64

var nextHandle atomic.Uint64

type entry[T any] struct {
	handle Handle
	fn     T
}

// Registry is an ordered list of callbacks of type T. Callers iterate over
// a snapshot so subscriptions may change while a notification runs.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries []entry[T]
}

func (r *Registry[T]) Subscribe(fn T) Handle {
	h := Handle(nextHandle.Add(1))
	r.mu.Lock()
	r.entries = append(r.entries, entry[T]{handle: h, fn: fn})
	r.mu.Unlock()
	return h
}

func (r *Registry[T]) Unsubscribe(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.handle == h {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns the callbacks in registration order.
func (r *Registry[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.fn
	}
	return out
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Notify calls invoke for every subscriber concurrently and waits for all of
// them. A panic or error in one subscriber is logged and does not affect the
// others or the caller.
func Notify[T any](log *util.Logger, name string, r *Registry[T], invoke func(T) error) {
	subs := r.Snapshot()
	if len(subs) == 0 {
		return
	}
	var wg conc.WaitGroup
	for i, fn := range subs {
		wg.Go(func() {
			defer func() {
				if p := recover(); p != nil && log != nil {
					log.Errorf("%s listener %d panicked: %v", name, i, p)
				}
			}()
			if err := invoke(fn); err != nil && log != nil {
				log.Warnf("%s listener %d: %v", name, i, err)
			}
		})
	}
	wg.Wait()
}

// Recover runs fn and converts a panic into an error.
func Recover(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
