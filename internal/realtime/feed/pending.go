package feed

import (
	"context"
	"sync"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
)

// pendingTable parks callers waiting for the next quote of a symbol.
// The receive loop fulfils and removes every waiter for a symbol; a timed-out
// waiter removes only its own entry.
type pendingTable struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[string]map[uint64]chan contracts.QuoteSnapshot
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]map[uint64]chan contracts.QuoteSnapshot)}
}

func (p *pendingTable) register(symbol string) (uint64, <-chan contracts.QuoteSnapshot) {
	ch := make(chan contracts.QuoteSnapshot, 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	if p.waiters[symbol] == nil {
		p.waiters[symbol] = make(map[uint64]chan contracts.QuoteSnapshot)
	}
	p.waiters[symbol][id] = ch
	return id, ch
}

// fulfill completes and removes every waiter for the symbol
func (p *pendingTable) fulfill(symbol string, q contracts.QuoteSnapshot) int {
	p.mu.Lock()
	waiters := p.waiters[symbol]
	delete(p.waiters, symbol)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- q // buffered, single send
	}
	return len(waiters)
}

func (p *pendingTable) cancel(symbol string, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.waiters[symbol]; ok {
		delete(w, id)
		if len(w) == 0 {
			delete(p.waiters, symbol)
		}
	}
}

// wait blocks until the symbol's next quote, the timeout, or ctx ends
func (p *pendingTable) wait(ctx context.Context, symbol string, timeout time.Duration) (contracts.QuoteSnapshot, bool) {
	id, ch := p.register(symbol)
	return p.await(ctx, symbol, id, ch, timeout)
}

// await parks on a channel obtained from register
func (p *pendingTable) await(ctx context.Context, symbol string, id uint64, ch <-chan contracts.QuoteSnapshot, timeout time.Duration) (contracts.QuoteSnapshot, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q := <-ch:
		return q, true
	case <-timer.C:
	case <-ctx.Done():
	}

	p.cancel(symbol, id)
	// a fulfil may have raced the timer
	select {
	case q := <-ch:
		return q, true
	default:
		return contracts.QuoteSnapshot{}, false
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, w := range p.waiters {
		n += len(w)
	}
	return n
}
