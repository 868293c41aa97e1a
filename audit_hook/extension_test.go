package audithook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	ah "github.com/xraph/courier/audit_hook"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
)

// ── Mock recorder ────────────────────────────────────

// mockRecorder captures audit events for verification.
type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) findByAction(action string) *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range m.events {
		if evt.Action == action {
			return evt
		}
	}
	return nil
}

// ── Test helpers ─────────────────────────────────────

func newTestJob() *job.Job {
	j := job.New("job-1", "tenant-a", json.RawMessage(`{"n":1}`), 3, time.Now())
	j.Attempts = 1
	return j
}

func TestExtension_Name(t *testing.T) {
	e := ah.New(&mockRecorder{})
	if got := e.Name(); got != "audit-hook" {
		t.Errorf("Name: want %q, got %q", "audit-hook", got)
	}
}

func TestExtension_JobEnqueued(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	j := newTestJob()

	if err := e.OnJobEnqueued(context.Background(), j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}

	evt := rec.last()
	if evt == nil {
		t.Fatal("expected an event")
	}
	if evt.Action != ah.ActionJobEnqueued {
		t.Errorf("Action: want %q, got %q", ah.ActionJobEnqueued, evt.Action)
	}
	if evt.Resource != ah.ResourceJob {
		t.Errorf("Resource: want %q, got %q", ah.ResourceJob, evt.Resource)
	}
	if evt.Category != ah.CategoryJob {
		t.Errorf("Category: want %q, got %q", ah.CategoryJob, evt.Category)
	}
	if evt.ResourceID != "job-1" {
		t.Errorf("ResourceID: want %q, got %q", "job-1", evt.ResourceID)
	}
	if evt.Severity != ah.SeverityInfo {
		t.Errorf("Severity: want %q, got %q", ah.SeverityInfo, evt.Severity)
	}
	if evt.Outcome != ah.OutcomeSuccess {
		t.Errorf("Outcome: want %q, got %q", ah.OutcomeSuccess, evt.Outcome)
	}
	if evt.Metadata["partition"] != "tenant-a" {
		t.Errorf("partition: want %q, got %v", "tenant-a", evt.Metadata["partition"])
	}
	if evt.Metadata["max_attempts"] != 3 {
		t.Errorf("max_attempts: want 3, got %v", evt.Metadata["max_attempts"])
	}
}

func TestExtension_JobStarted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	if err := e.OnJobStarted(context.Background(), newTestJob()); err != nil {
		t.Fatalf("OnJobStarted: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionJobStarted {
		t.Errorf("Action: want %q, got %q", ah.ActionJobStarted, evt.Action)
	}
	if evt.Metadata["attempt"] != 2 {
		t.Errorf("attempt: want 2, got %v", evt.Metadata["attempt"])
	}
}

func TestExtension_JobSucceeded(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	if err := e.OnJobSucceeded(context.Background(), newTestJob(), 150*time.Millisecond); err != nil {
		t.Fatalf("OnJobSucceeded: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionJobSucceeded {
		t.Errorf("Action: want %q, got %q", ah.ActionJobSucceeded, evt.Action)
	}
	if evt.Metadata["elapsed_ms"] != int64(150) {
		t.Errorf("elapsed_ms: want 150, got %v", evt.Metadata["elapsed_ms"])
	}
}

func TestExtension_JobFailed(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	if err := e.OnJobFailed(context.Background(), newTestJob(), errors.New("downstream returned 500")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}

	evt := rec.last()
	if evt.Severity != ah.SeverityCritical {
		t.Errorf("Severity: want %q, got %q", ah.SeverityCritical, evt.Severity)
	}
	if evt.Outcome != ah.OutcomeFailure {
		t.Errorf("Outcome: want %q, got %q", ah.OutcomeFailure, evt.Outcome)
	}
	if evt.Reason != "downstream returned 500" {
		t.Errorf("Reason: got %q", evt.Reason)
	}
	if evt.Metadata["error"] != "downstream returned 500" {
		t.Errorf("error metadata: got %v", evt.Metadata["error"])
	}
}

func TestExtension_JobRetrying(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	j := newTestJob()
	j.LastError = "timeout"
	next := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := e.OnJobRetrying(context.Background(), j, 1, next); err != nil {
		t.Fatalf("OnJobRetrying: %v", err)
	}

	evt := rec.last()
	if evt.Severity != ah.SeverityWarning {
		t.Errorf("Severity: want %q, got %q", ah.SeverityWarning, evt.Severity)
	}
	if evt.Metadata["next_attempt_at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("next_attempt_at: got %v", evt.Metadata["next_attempt_at"])
	}
	if evt.Metadata["last_error"] != "timeout" {
		t.Errorf("last_error: got %v", evt.Metadata["last_error"])
	}
}

func TestExtension_JobDeduplicatedAndCancelled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	ctx := context.Background()
	j := newTestJob()

	if err := e.OnJobDeduplicated(ctx, j); err != nil {
		t.Fatalf("OnJobDeduplicated: %v", err)
	}
	if evt := rec.last(); evt.Metadata["status"] != string(job.StatePending) {
		t.Errorf("status: got %v", evt.Metadata["status"])
	}

	if err := e.OnJobCancelled(ctx, j); err != nil {
		t.Fatalf("OnJobCancelled: %v", err)
	}
	if evt := rec.last(); evt.Action != ah.ActionJobCancelled {
		t.Errorf("Action: want %q, got %q", ah.ActionJobCancelled, evt.Action)
	}
}

func TestExtension_WithActions_FiltersDisabled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionJobSucceeded, ah.ActionJobFailed))

	ctx := context.Background()
	j := newTestJob()

	// Enqueued is not enabled.
	if err := e.OnJobEnqueued(ctx, j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("expected 0 events (enqueued disabled), got %d", rec.count())
	}

	if err := e.OnJobSucceeded(ctx, j, 50*time.Millisecond); err != nil {
		t.Fatalf("OnJobSucceeded: %v", err)
	}
	if err := e.OnJobFailed(ctx, j, errors.New("boom")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}
	if rec.count() != 2 {
		t.Errorf("expected 2 events, got %d", rec.count())
	}
}

// ── RecorderFunc adapter test ────────────────────────

func TestRecorderFunc(t *testing.T) {
	var captured *ah.AuditEvent
	fn := ah.RecorderFunc(func(_ context.Context, evt *ah.AuditEvent) error {
		captured = evt
		return nil
	})

	e := ah.New(fn)
	if err := e.OnJobEnqueued(context.Background(), newTestJob()); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}
	if captured == nil {
		t.Fatal("RecorderFunc was not called")
	}
	if captured.Action != ah.ActionJobEnqueued {
		t.Errorf("Action: want %q, got %q", ah.ActionJobEnqueued, captured.Action)
	}
}

func TestSlogRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	e := ah.New(ah.SlogRecorder(logger))
	if err := e.OnJobFailed(context.Background(), newTestJob(), errors.New("boom")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["level"] != "ERROR" {
		t.Errorf("level: want ERROR, got %v", line["level"])
	}
	if line["action"] != ah.ActionJobFailed {
		t.Errorf("action: got %v", line["action"])
	}
	if line["resource_id"] != "job-1" {
		t.Errorf("resource_id: got %v", line["resource_id"])
	}
	if line["partition"] != "tenant-a" {
		t.Errorf("partition: got %v", line["partition"])
	}
}

// ── Recorder error handling test ─────────────────────

func TestExtension_RecorderError_DoesNotPropagate(t *testing.T) {
	failingRecorder := ah.RecorderFunc(func(_ context.Context, _ *ah.AuditEvent) error {
		return errors.New("audit backend down")
	})

	var buf bytes.Buffer
	e := ah.New(failingRecorder, ah.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	if err := e.OnJobEnqueued(context.Background(), newTestJob()); err != nil {
		t.Fatalf("expected no error (audit failure swallowed), got: %v", err)
	}
	if !strings.Contains(buf.String(), "audit backend down") {
		t.Errorf("expected recorder error to be logged, got %q", buf.String())
	}
}

// ── Registry integration test ────────────────────────

func TestExtension_ViaRegistry(t *testing.T) {
	rec := &mockRecorder{}
	reg := ext.NewRegistry(slog.Default())
	reg.Register(ah.New(rec))

	ctx := context.Background()
	j := newTestJob()

	reg.EmitJobEnqueued(ctx, j)
	reg.EmitJobDeduplicated(ctx, j)
	reg.EmitJobStarted(ctx, j)
	reg.EmitJobSucceeded(ctx, j, 50*time.Millisecond)
	reg.EmitJobRetrying(ctx, j, 1, time.Now())
	reg.EmitJobFailed(ctx, j, errors.New("fail"))
	reg.EmitJobCancelled(ctx, j)

	allActions := ah.AllActions()
	if rec.count() != len(allActions) {
		t.Fatalf("expected %d events, got %d", len(allActions), rec.count())
	}
	for _, action := range allActions {
		if rec.findByAction(action) == nil {
			t.Errorf("missing event for action %q", action)
		}
	}
}

func TestAllActions(t *testing.T) {
	if n := len(ah.AllActions()); n != 7 {
		t.Errorf("expected 7 actions, got %d", n)
	}
}
