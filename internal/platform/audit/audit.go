// Package audit persists who touched which clinical resource. Writes are
// append-only; callers treat failures as loggable, never fatal.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prontivus/prontivus/internal/platform/db"
)

// Actions recorded in access_log.action.
const (
	ActionRead             = "read"
	ActionCreate           = "create"
	ActionUpdate           = "update"
	ActionDelete           = "delete"
	ActionDocumentDownload = "document.download"
)

// Entry is one access_log row.
type Entry struct {
	ID           uuid.UUID
	ClinicID     uuid.UUID
	ActorID      string
	ActorRoles   []string
	Action       string
	ResourceType string
	ResourceID   string
	Method       string
	Path         string
	StatusCode   int
	RequestID    string
	IPAddress    string
	UserAgent    string
	RecordedAt   time.Time
}

// Recorder is implemented by every audit sink.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, e Entry) error

func (f RecorderFunc) Record(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// Logger writes entries to the access_log table.
type Logger struct {
	db db.Querier
}

func NewLogger(q db.Querier) *Logger {
	return &Logger{db: q}
}

func (l *Logger) Record(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	if e.ActorRoles == nil {
		e.ActorRoles = []string{}
	}

	var clinic *uuid.UUID
	if e.ClinicID != uuid.Nil {
		clinic = &e.ClinicID
	}

	_, err := db.Conn(ctx, l.db).Exec(ctx, `
		INSERT INTO access_log (
			id, clinic_id, actor_id, actor_roles, action, resource_type, resource_id,
			method, path, status_code, request_id, ip_address, user_agent, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, clinic, e.ActorID, e.ActorRoles, e.Action, e.ResourceType, e.ResourceID,
		e.Method, e.Path, e.StatusCode, e.RequestID, e.IPAddress, e.UserAgent, e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert access_log: %w", err)
	}
	return nil
}

// Async decouples request handling from the audit store. Record enqueues and
// returns immediately; a full buffer drops the entry with a warning.
type Async struct {
	next   Recorder
	logger zerolog.Logger
	queue  chan Entry
	wg     sync.WaitGroup
	once   sync.Once
}

func NewAsync(next Recorder, logger zerolog.Logger, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		next:   next,
		logger: logger.With().Str("component", "audit").Logger(),
		queue:  make(chan Entry, buffer),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) run() {
	defer a.wg.Done()
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.next.Record(ctx, e); err != nil {
			a.logger.Error().Err(err).
				Str("action", e.Action).
				Str("resource_type", e.ResourceType).
				Str("resource_id", e.ResourceID).
				Msg("failed to record audit entry")
		}
		cancel()
	}
}

func (a *Async) Record(_ context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	select {
	case a.queue <- e:
	default:
		a.logger.Warn().Str("action", e.Action).Str("resource_id", e.ResourceID).Msg("audit queue full, entry dropped")
	}
	return nil
}

// Close drains queued entries. Record must not be called afterwards.
func (a *Async) Close() {
	a.once.Do(func() {
		close(a.queue)
		a.wg.Wait()
	})
}
