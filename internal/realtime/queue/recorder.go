package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/logger"
)

const (
	defaultBatchSize  = 500
	defaultMaxPending = 20000
	defaultMaxRetries = 3
)

// QuoteReader is the live quote cache the recorder samples
type QuoteReader interface {
	GetMany(symbols []string) map[string]contracts.QuoteSnapshot
}

// TickWriter persists a batch of quotes
type TickWriter interface {
	WriteTicks(ctx context.Context, ticks []contracts.QuoteSnapshot) error
}

// TickRecorder samples tracked symbols from the quote cache and writes new ticks in batches
// ⭐ SSOT: live quotes reach Postgres through this recorder only
type TickRecorder struct {
	reader     QuoteReader
	writer     TickWriter
	interval   time.Duration
	batchSize  int
	maxPending int
	maxRetries int
	logger     *logger.Logger

	mu      sync.Mutex
	tracked map[string]struct{}
	last    map[string]time.Time
	pending []contracts.QuoteSnapshot
	retries int
	stats   RecorderStats

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// RecorderStats counts ticks through the recorder
type RecorderStats struct {
	Tracked  int   `json:"tracked"`
	Pending  int   `json:"pending"`
	Recorded int64 `json:"recorded"`
	Written  int64 `json:"written"`
	Dropped  int64 `json:"dropped"`
	Failures int64 `json:"failures"`
}

// NewTickRecorder creates a recorder that flushes every interval
func NewTickRecorder(reader QuoteReader, writer TickWriter, interval time.Duration, log *logger.Logger) *TickRecorder {
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &TickRecorder{
		reader:     reader,
		writer:     writer,
		interval:   interval,
		batchSize:  defaultBatchSize,
		maxPending: defaultMaxPending,
		maxRetries: defaultMaxRetries,
		logger:     log.Component("tick_recorder"),
		tracked:    make(map[string]struct{}),
		last:       make(map[string]time.Time),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Track adds symbols to the sampled set
func (r *TickRecorder) Track(symbols ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range symbols {
		r.tracked[contracts.NormalizeSymbol(s)] = struct{}{}
	}
}

// Untrack removes symbols from the sampled set
func (r *TickRecorder) Untrack(symbols ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range symbols {
		s = contracts.NormalizeSymbol(s)
		delete(r.tracked, s)
		delete(r.last, s)
	}
}

// Start runs the sample-and-flush loop until ctx ends or Stop is called
func (r *TickRecorder) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.logger.WithField("interval", r.interval.String()).Info("Starting tick recorder")
	go r.run(ctx)
}

func (r *TickRecorder) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.logger.Info("Tick recorder stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.drain()
			r.logger.Info("Tick recorder stopped")
			return
		case <-ticker.C:
			r.Collect()
			if err := r.Flush(ctx); err != nil {
				r.logger.WithError(err).Warn("Failed to flush ticks")
			}
		}
	}
}

// Stop ends the loop after a final flush
func (r *TickRecorder) Stop() {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopCh) })
	if started {
		<-r.done
	}
}

func (r *TickRecorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Collect()
	if err := r.Flush(ctx); err != nil {
		r.logger.WithError(err).Warn("Final tick flush failed")
	}
}

// Collect queues every tracked quote that is newer than the last one recorded
func (r *TickRecorder) Collect() int {
	r.mu.Lock()
	symbols := make([]string, 0, len(r.tracked))
	for s := range r.tracked {
		symbols = append(symbols, s)
	}
	r.mu.Unlock()
	if len(symbols) == 0 {
		return 0
	}
	sort.Strings(symbols)

	quotes := r.reader.GetMany(symbols)

	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, s := range symbols {
		q, ok := quotes[s]
		if !ok || q.Timestamp.IsZero() || !q.Timestamp.After(r.last[s]) {
			continue
		}
		r.last[s] = q.Timestamp
		r.pending = append(r.pending, q)
		added++
	}
	r.stats.Recorded += int64(added)

	if over := len(r.pending) - r.maxPending; over > 0 {
		r.pending = r.pending[over:]
		r.stats.Dropped += int64(over)
	}
	return added
}

// Flush writes up to one batch. A batch that keeps failing is dropped after maxRetries.
func (r *TickRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	n := len(r.pending)
	if n > r.batchSize {
		n = r.batchSize
	}
	batch := append([]contracts.QuoteSnapshot(nil), r.pending[:n]...)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := r.writer.WriteTicks(ctx, batch)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.stats.Failures++
		r.retries++
		if r.retries >= r.maxRetries {
			r.consume(len(batch))
			r.stats.Dropped += int64(len(batch))
			r.retries = 0
			r.logger.WithError(err).WithField("count", len(batch)).Error("Dropping tick batch after retries")
		}
		return err
	}

	r.consume(len(batch))
	r.stats.Written += int64(len(batch))
	r.retries = 0
	r.logger.WithField("count", len(batch)).Debug("Wrote tick batch")
	return nil
}

// consume drops n ticks from the front; Collect may already have trimmed some of them
func (r *TickRecorder) consume(n int) {
	if n > len(r.pending) {
		n = len(r.pending)
	}
	r.pending = r.pending[n:]
}

// Stats returns a copy of the counters
func (r *TickRecorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Tracked = len(r.tracked)
	s.Pending = len(r.pending)
	return s
}
