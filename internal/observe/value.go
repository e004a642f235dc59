// Package observe holds publish-subscribe state containers used to push
// load states and cache changes to list consumers.
package observe

import (
	"context"
	"sync"
)

// Value holds a value and notifies subscribers of every change. Slow
// subscribers only see the latest value: intermediate updates are dropped.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	subs    map[chan T]struct{}
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		current: initial,
		subs:    make(map[chan T]struct{}),
	}
}

func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = value
	v.broadcast()
}

// Update applies fn to the current value under the lock and publishes the
// result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = fn(v.current)
	v.broadcast()
	return v.current
}

// Subscribe returns a channel that first receives the current value and then
// every later one. The channel is closed when ctx is done.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	v.mu.Lock()
	ch <- v.current
	v.subs[ch] = struct{}{}
	v.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.mu.Lock()
		delete(v.subs, ch)
		close(ch)
		v.mu.Unlock()
	}()

	return ch
}

// broadcast must be called with mu held.
func (v *Value[T]) broadcast() {
	for ch := range v.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v.current
	}
}
