package core

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"gennotes/internal/infra/persistence/memory"
	"gennotes/pkg/domain"
)

type captureAuditRecorder struct {
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus, predicate func(AuditEntry) bool) bool {
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			if predicate == nil || predicate(entry) {
				return true
			}
		}
	}
	return false
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type logLine struct {
	level string
	msg   string
}

type captureLogger struct {
	mu    sync.Mutex
	lines []logLine
}

func (c *captureLogger) add(level, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, logLine{level: level, msg: msg})
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.add("debug", msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.add("info", msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.add("warn", msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.add("error", msg) }

func (c *captureLogger) count(level string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.lines {
		if l.level == level {
			n++
		}
	}
	return n
}

func TestServiceEmitsAuditMetricsAndTraces(t *testing.T) {
	audit := &captureAuditRecorder{}
	metrics := &captureMetricsRecorder{}
	var traceBuf bytes.Buffer
	tracer := NewJSONTracer(&traceBuf)
	logger := &captureLogger{}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t,
		WithAuditRecorder(audit),
		WithMetricsRecorder(metrics),
		WithTracer(tracer),
		WithLogger(logger),
		WithClock(ClockFunc(func() time.Time { return fixed })),
	)

	v := mustCreateVariant(t, svc, b37("1", "1", "A", "T"))
	if _, err := svc.UpdateVariant(context.Background(), editor, "1", EditRequest{Tags: Tags{"x": "y"}, EditedVersion: intPtr(9)}); !domain.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if !audit.has("create_variant", AuditStatusSuccess, func(e AuditEntry) bool {
		return e.EntityID == v.ID && e.User == editor && e.Entity == EntityVariant && e.Timestamp.Equal(fixed)
	}) {
		t.Fatalf("missing create audit entry: %+v", audit.entries)
	}
	if !audit.has("update_variant", AuditStatusError, func(e AuditEntry) bool {
		return e.Action == ActionUpdate && strings.Contains(e.Error, "Edit conflict")
	}) {
		t.Fatalf("missing failed update audit entry: %+v", audit.entries)
	}
	if !metrics.has("create_variant", true) || !metrics.has("update_variant", false) {
		t.Fatalf("unexpected metrics calls %+v", metrics.calls)
	}

	entries := tracer.Entries()
	if len(entries) != 2 || entries[0].Status != "success" || entries[1].Status != "error" {
		t.Fatalf("unexpected trace entries %+v", entries)
	}
	if entries[0].SpanID == "" || entries[0].SpanID == entries[1].SpanID {
		t.Fatalf("span ids must be unique and set")
	}
	if got := strings.Count(traceBuf.String(), "\n"); got != 2 {
		t.Fatalf("expected 2 encoded spans, got %d", got)
	}
	if logger.count("info") != 1 || logger.count("debug") != 1 {
		t.Fatalf("expected one info and one debug line, got %+v", logger.lines)
	}
}

func TestExpvarMetricsRecorderPublishes(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	svc := newTestService(t, WithMetricsRecorder(rec))
	mustCreateVariant(t, svc, b37("1", "1", "A", "T"))
	if _, err := svc.CreateVariant(context.Background(), editor, EditRequest{Tags: Tags{}}); err == nil {
		t.Fatalf("expected validation failure")
	}

	snap := rec.Snapshot()
	stats := snap.Operations["create_variant"]
	if stats.Success != 1 || stats.Error != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	published := expvar.Get(rec.Name())
	if published == nil || !strings.Contains(published.String(), "create_variant") {
		t.Fatalf("expected expvar publication under %s", rec.Name())
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	svc := newTestService(t, WithMetricsRecorder(MultiMetricsRecorder{rec, nil}))
	mustCreateVariant(t, svc, b37("1", "1", "A", "T"))
	mustCreateVariant(t, svc, b37("1", "2", "A", "T"))
	if _, err := svc.CreateVariant(context.Background(), editor, EditRequest{Tags: b37("1", "1", "A", "T")}); !domain.IsConflict(err) {
		t.Fatalf("expected duplicate conflict, got %v", err)
	}

	if got := testutil.ToFloat64(rec.total.WithLabelValues("create_variant", "success")); got != 2 {
		t.Fatalf("expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(rec.total.WithLabelValues("create_variant", "error")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	if n := testutil.CollectAndCount(rec.duration); n != 1 {
		t.Fatalf("expected one histogram series, got %d", n)
	}
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestOTelTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	svc := newTestService(t, WithTracer(NewOTelTracer(provider)))

	mustCreateVariant(t, svc, b37("1", "1", "A", "T"))
	if _, err := svc.DeleteRelation(context.Background(), editor, 5, EditRequest{}); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "core.create_variant" || spans[0].Status().Code != codes.Ok {
		t.Fatalf("unexpected first span %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[1].Name() != "core.delete_relation" || spans[1].Status().Code != codes.Error {
		t.Fatalf("unexpected second span %s %v", spans[1].Name(), spans[1].Status())
	}
	if len(spans[1].Events()) == 0 {
		t.Fatalf("expected recorded error event")
	}
}

// flakyStore fails the first failures transactions with a transient error.
type flakyStore struct {
	*memory.Store
	failures int
	calls    int
}

func (f *flakyStore) RunInTransaction(ctx context.Context, fn func(Transaction) error) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.Join(domain.ErrTransient, errors.New("could not serialize access"))
	}
	return f.Store.RunInTransaction(ctx, fn)
}

func TestTransientFailureRetriedOnce(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), failures: 1}
	logger := &captureLogger{}
	svc := NewService(store, WithLogger(logger))
	if _, err := svc.CreateVariant(context.Background(), editor, EditRequest{Tags: b37("1", "1", "A", "T")}); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", store.calls)
	}
	if logger.count("warn") != 1 {
		t.Fatalf("expected retry warning")
	}
}

func TestRepeatedTransientFailureIsInternal(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), failures: 2}
	logger := &captureLogger{}
	svc := NewService(store, WithLogger(logger))
	_, err := svc.CreateVariant(context.Background(), editor, EditRequest{Tags: b37("1", "1", "A", "T")})
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", store.calls)
	}
	if logger.count("error") != 1 {
		t.Fatalf("expected error log line")
	}
	if n := countVariants(t, svc); n != 0 {
		t.Fatalf("no partial commit expected, got %d variants", n)
	}
}

func TestValidationFailureNotRetried(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	svc := NewService(store)
	if _, err := svc.CreateVariant(context.Background(), editor, EditRequest{Tags: Tags{"x": "y"}}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("validation errors must not be retried, got %d attempts", store.calls)
	}
}

func TestJSONTracerRetainsMostRecentSpans(t *testing.T) {
	tracer := NewJSONTracer(nil)
	for i := 0; i < jsonTraceRetained+5; i++ {
		_, span := tracer.Start(context.Background(), "op")
		var err error
		if i == jsonTraceRetained+4 {
			err = errors.New("last")
		}
		span.End(err)
	}
	entries := tracer.Entries()
	if len(entries) != jsonTraceRetained {
		t.Fatalf("expected %d retained spans, got %d", jsonTraceRetained, len(entries))
	}
	if last := entries[len(entries)-1]; last.Status != "error" || last.Error != "last" {
		t.Fatalf("expected the newest span last, got %+v", last)
	}
}
