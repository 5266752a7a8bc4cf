package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
)

func TestLogger_Record(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	clinic := uuid.New()
	mock.ExpectExec("INSERT INTO access_log").
		WithArgs(pgxmock.AnyArg(), &clinic, "user-1", []string{"physician"}, ActionDocumentDownload,
			"prescription", "rx-1", "GET", "/api/v1/prescriptions/rx-1/pdf", 200, "req-1",
			"10.0.0.1", "curl", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = NewLogger(mock).Record(context.Background(), Entry{
		ClinicID:     clinic,
		ActorID:      "user-1",
		ActorRoles:   []string{"physician"},
		Action:       ActionDocumentDownload,
		ResourceType: "prescription",
		ResourceID:   "rx-1",
		Method:       "GET",
		Path:         "/api/v1/prescriptions/rx-1/pdf",
		StatusCode:   200,
		RequestID:    "req-1",
		IPAddress:    "10.0.0.1",
		UserAgent:    "curl",
	})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLogger_RecordError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	args := make([]interface{}, 14)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	mock.ExpectExec("INSERT INTO access_log").
		WithArgs(args...).
		WillReturnError(errors.New("disk full"))

	if err := NewLogger(mock).Record(context.Background(), Entry{Action: ActionRead}); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

type collector struct {
	mu      sync.Mutex
	entries []Entry
	fail    bool
}

func (c *collector) Record(_ context.Context, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	if c.fail {
		return errors.New("sink down")
	}
	return nil
}

func TestAsync_DeliversAndDrains(t *testing.T) {
	sink := &collector{fail: true}
	a := NewAsync(sink, zerolog.Nop(), 16)

	for i := 0; i < 5; i++ {
		if err := a.Record(context.Background(), Entry{Action: ActionRead}); err != nil {
			t.Fatalf("Record() must never fail, got %v", err)
		}
	}
	a.Close()

	if len(sink.entries) != 5 {
		t.Errorf("expected 5 delivered entries, got %d", len(sink.entries))
	}
	for _, e := range sink.entries {
		if e.RecordedAt.IsZero() {
			t.Error("expected RecordedAt to be stamped at enqueue time")
		}
	}
}

func TestRecorderFunc(t *testing.T) {
	var got Entry
	r := RecorderFunc(func(_ context.Context, e Entry) error {
		got = e
		return nil
	})
	_ = r.Record(context.Background(), Entry{ResourceID: "x"})
	if got.ResourceID != "x" {
		t.Error("expected RecorderFunc to forward the entry")
	}
}
