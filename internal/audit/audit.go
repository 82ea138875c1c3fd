// Package audit provides a best-effort security audit trail with an
// explicit bounded queue. Appending never blocks the caller: when the
// queue is full the entry is dropped and counted, because a permission
// decision must not wait on its own audit trail.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one audit record.
type Entry struct {
	Subject  string
	TenantID string
	Action   string
	At       time.Time
	Detail   map[string]any
}

// Sink accepts audit entries fire-and-forget.
type Sink interface {
	Append(entry Entry)
}

// Storer persists entries. Implementations may block; the recorder calls
// them only from its consumer goroutine.
type Storer interface {
	Insert(ctx context.Context, entry Entry) error
}

// Stats is a snapshot of recorder counters.
type Stats struct {
	Written    uint64 `json:"written"`
	Dropped    uint64 `json:"dropped"`
	Failed     uint64 `json:"failed"`
	QueueDepth int    `json:"queue_depth"`
}

// Recorder is a Sink backed by a bounded channel and one consumer
// goroutine.
type Recorder struct {
	queue   chan Entry
	store   Storer
	logger  *slog.Logger
	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewRecorder constructs a recorder with the given queue size.
func NewRecorder(store Storer, logger *slog.Logger, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		queue:  make(chan Entry, queueSize),
		store:  store,
		logger: logger,
	}
}

// Start launches the consumer goroutine. It drains the queue until ctx is
// cancelled, then flushes whatever is already queued and returns.
func (r *Recorder) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				r.flush()
				return
			case entry := <-r.queue:
				r.write(entry)
			}
		}
	}()
}

// Wait blocks until the consumer has exited.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Append queues an entry without blocking. A full queue drops the entry.
func (r *Recorder) Append(entry Entry) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	select {
	case r.queue <- entry:
	default:
		r.dropped.Add(1)
		r.logger.Warn("audit queue full, entry dropped",
			slog.String("subject", entry.Subject),
			slog.String("action", entry.Action),
		)
	}
}

// Stats returns a snapshot of the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Written:    r.written.Load(),
		Dropped:    r.dropped.Load(),
		Failed:     r.failed.Load(),
		QueueDepth: len(r.queue),
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case entry := <-r.queue:
			r.write(entry)
		default:
			return
		}
	}
}

func (r *Recorder) write(entry Entry) {
	if r.store == nil {
		r.written.Add(1)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Insert(ctx, entry); err != nil {
		r.failed.Add(1)
		r.logger.Warn("audit write failed", slog.Any("error", err))
		return
	}
	r.written.Add(1)
}

// PGStore persists entries into the security_audit_log table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a Postgres-backed audit store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Insert writes one entry.
func (s *PGStore) Insert(ctx context.Context, entry Entry) error {
	if s == nil || s.pool == nil {
		return errors.New("audit: store not initialised")
	}
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO security_audit_log (subject, tenant_id, action, detail, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		entry.Subject, entry.TenantID, entry.Action, detail, entry.At,
	)
	return err
}

// Discard is a Sink that drops everything. Useful in tests and as a
// default when no audit store is configured.
type Discard struct{}

// Append implements Sink.
func (Discard) Append(Entry) {}
