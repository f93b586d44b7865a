package persist

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/laserscan/internal/monitoring"
	"github.com/banshee-data/laserscan/internal/timeutil"
)

// ErrQueueStopped is returned by AddEvent once Stop has been called.
var ErrQueueStopped = errors.New("persistence queue stopped")

// Options tunes the writer goroutine. Zero values take the defaults.
type Options struct {
	FlushInterval time.Duration // default 1s
	BatchSize     int           // default 1000
	PollTimeout   time.Duration // default 100ms
	Clock         timeutil.Clock
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 100 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// Stats counts rows through the queue. Dropped rows reached no sink;
// Partial rows reached some members of a MultiSink but not all.
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Written  int64 `json:"written"`
	Dropped  int64 `json:"dropped"`
	Partial  int64 `json:"partial"`
	Flushes  int64 `json:"flushes"`
	Pending  int   `json:"pending"`
}

// Queue is an unbounded record queue drained by one writer goroutine.
type Queue struct {
	sink Sink
	opts Options

	mu      sync.Mutex
	pending []Record
	started bool
	stopped bool

	notify chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	enqueued atomic.Int64
	written  atomic.Int64
	dropped  atomic.Int64
	partial  atomic.Int64
	flushes  atomic.Int64
}

// NewQueue returns a queue writing to sink. Call Start to run the writer.
func NewQueue(sink Sink, opts Options) *Queue {
	return &Queue{
		sink:   sink,
		opts:   opts.withDefaults(),
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// AddEvent enqueues r without blocking.
func (q *Queue) AddEvent(r Record) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.pending = append(q.pending, r)
	q.mu.Unlock()
	q.enqueued.Add(1)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the writer. Repeated calls are no-ops.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.run()
}

// Active reports whether the queue accepts records and is being drained.
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.started && !q.stopped
}

// Stop rejects further records, waits for everything already queued to be
// written, and closes the sink. Safe to call more than once.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.stopped = true
	started := q.started
	q.mu.Unlock()

	close(q.stopCh)
	if started {
		<-q.done
	} else {
		// never started: drain inline
		q.flush(q.take(nil))
		close(q.done)
	}
	log.Printf("[saver] stopped: %d written, %d partial, %d dropped", q.written.Load(), q.partial.Load(), q.dropped.Load())
	return q.sink.Close()
}

// Stats returns the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()
	return Stats{
		Enqueued: q.enqueued.Load(),
		Written:  q.written.Load(),
		Dropped:  q.dropped.Load(),
		Partial:  q.partial.Load(),
		Flushes:  q.flushes.Load(),
		Pending:  pending,
	}
}

// take moves everything pending onto buf.
func (q *Queue) take(buf []Record) []Record {
	q.mu.Lock()
	buf = append(buf, q.pending...)
	q.pending = nil
	q.mu.Unlock()
	return buf
}

func (q *Queue) run() {
	defer close(q.done)
	clock := q.opts.Clock
	lastFlush := clock.Now()
	var buf []Record
	for {
		stopping := false
		t := clock.NewTimer(q.opts.PollTimeout)
		select {
		case <-q.notify:
		case <-t.C():
		case <-q.stopCh:
			stopping = true
		}
		t.Stop()

		buf = q.take(buf)
		if stopping {
			q.flush(buf)
			return
		}
		if clock.Since(lastFlush) >= q.opts.FlushInterval || len(buf) >= q.opts.BatchSize {
			if len(buf) > 0 {
				q.flush(buf)
				buf = nil
			}
			lastFlush = clock.Now()
		}
	}
}

func (q *Queue) flush(buf []Record) {
	if len(buf) == 0 {
		return
	}
	q.flushes.Add(1)
	n := int64(len(buf))
	err := q.sink.WriteBatch(buf)
	if err == nil {
		q.written.Add(n)
		return
	}
	log.Printf("[saver] %v", err)
	monitoring.Alerts.Raise("saver", err)
	var me *MemberError
	if errors.As(err, &me) && me.Failed < me.Members {
		q.written.Add(n)
		q.partial.Add(n)
		return
	}
	q.dropped.Add(n)
}
