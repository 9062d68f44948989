// Package mirror forwards authoritative writes to a master aggregator.
//
// Forwarding is best effort. Add never blocks and never fails; batches are
// dropped with a warning when the queue is full, and sink failures are logged.
package mirror

import (
	"context"
	"time"

	"github.com/opst/gridqueue/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Entry is one statement applied to a mirrored table.
type Entry struct {
	// Index is the id of the row the statement is about. It may be empty.
	Index string `json:"index"`
	SQL   string `json:"sql"`
	Args  []any  `json:"bindings"`
}

// Batch is the set of entries of one table committed together.
type Batch struct {
	Table     string    `json:"table"`
	Timestamp time.Time `json:"timestamp"`
	Entries   []Entry   `json:"entries"`
}

// Sink delivers batches to the master.
type Sink interface {
	Send(ctx context.Context, batch Batch) error
}

// Mirror queues batches for a Sink.
//
// The zero value is not usable. Use New.
type Mirror struct {
	queue chan Batch
	sink  Sink
	log   logrus.FieldLogger
	now   func() time.Time
}

type Option func(*Mirror) *Mirror

// WithCapacity sets how many batches can wait for the sink. Default 1024.
func WithCapacity(n int) Option {
	return func(m *Mirror) *Mirror {
		if n < 1 {
			n = 1
		}
		m.queue = make(chan Batch, n)
		return m
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Mirror) *Mirror {
		m.log = log
		return m
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Mirror) *Mirror {
		m.now = now
		return m
	}
}

func New(sink Sink, options ...Option) *Mirror {
	m := &Mirror{
		queue: make(chan Batch, 1024),
		sink:  sink,
		log:   logrus.StandardLogger(),
		now:   time.Now,
	}
	for _, opt := range options {
		m = opt(m)
	}
	return m
}

// Add queues entries of table. It returns immediately.
func (m *Mirror) Add(table string, entries []Entry) {
	if m == nil || len(entries) == 0 {
		return
	}
	batch := Batch{Table: table, Timestamp: m.now().UTC(), Entries: entries}
	select {
	case m.queue <- batch:
		metrics.MirrorQueued.WithLabelValues(table).Add(float64(len(entries)))
	default:
		metrics.MirrorDropped.WithLabelValues(table).Add(float64(len(entries)))
		m.log.WithFields(logrus.Fields{
			"table":   table,
			"entries": len(entries),
		}).Warn("mirror queue is full; batch is dropped")
	}
}

// Pending is the number of batches waiting for the sink.
func (m *Mirror) Pending() int {
	return len(m.queue)
}

// Run sends queued batches until ctx is done. It returns ctx.Err().
//
// Batches still queued when ctx is done are not sent.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-m.queue:
			m.send(ctx, batch)
		}
	}
}

func (m *Mirror) send(ctx context.Context, batch Batch) {
	if err := m.sink.Send(ctx, batch); err != nil {
		metrics.MirrorFailed.WithLabelValues(batch.Table).Add(float64(len(batch.Entries)))
		m.log.WithFields(logrus.Fields{
			"table":   batch.Table,
			"entries": len(batch.Entries),
		}).WithError(err).Warn("failed to mirror batch to master")
		return
	}
	metrics.MirrorSent.WithLabelValues(batch.Table).Add(float64(len(batch.Entries)))
}

// Discard is a Sink dropping everything. It is used when no master is configured.
type Discard struct{}

func (Discard) Send(context.Context, Batch) error { return nil }
