package httputil

import (
	"context"
	"sync"
	"time"
)

// flight is one shared upstream GET. It outlives any single caller's deadline and is
// cancelled when the last caller waiting on it leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type flights struct {
	mu sync.Mutex
	m  map[string]*flight
}

// join registers a waiter for key, starting a flight bounded by budget when none is open
func (f *flights) join(ctx context.Context, key string, budget time.Duration) *flight {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.m == nil {
		f.m = make(map[string]*flight)
	}
	fl, ok := f.m[key]
	if !ok {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
		fl = &flight{ctx: shared, cancel: cancel}
		f.m[key] = fl
	}
	fl.waiters++
	return fl
}

// leave drops a waiter. The last one out cancels the flight and runs forget before a
// new caller can join, so nobody attaches to the cancelled call.
func (f *flights) leave(key string, fl *flight, forget func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if f.m[key] == fl {
		delete(f.m, key)
		forget()
	}
}

// open counts flights with at least one waiter
func (f *flights) open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.m)
}
