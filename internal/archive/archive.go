// Package archive exports the knowledge base as newline-delimited JSON into
// a blob store, either synchronously or through a queued background worker.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"gennotes/internal/blob"
	"gennotes/internal/core"
	"gennotes/pkg/domain"
)

// ContentType is the media type of export payloads.
const ContentType = "application/x-ndjson"

// DefaultPrefix is the key prefix archives are written under.
const DefaultPrefix = "exports"

const defaultQueueSize = 32

// Status describes the lifecycle stage of an export job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Line kinds written to the archive. Variant and relation lines use the
// importer's record layout so an archive can be replayed with the importer.
const (
	KindVariant  = "variant"
	KindRelation = "relation"
	KindRevision = "revision"
)

// Line is one NDJSON record of an archive.
type Line struct {
	Kind     string           `json:"kind"`
	ID       int64            `json:"id,omitempty"`
	Version  int              `json:"version,omitempty"`
	Tags     domain.Tags      `json:"tags,omitempty"`
	Variant  string           `json:"variant,omitempty"`
	Revision *domain.Revision `json:"revision,omitempty"`
}

// Counts totals the lines written per kind.
type Counts struct {
	Variants  int `json:"variants"`
	Relations int `json:"relations"`
	Revisions int `json:"revisions"`
}

// Job tracks one export request and its resulting artifact.
type Job struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	RequestedBy string     `json:"requested_by"`
	Artifact    *blob.Info `json:"artifact,omitempty"`
	Counts      Counts     `json:"counts"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (j *Job) copy() Job {
	out := *j
	if j.Artifact != nil {
		artifact := *j.Artifact
		artifact.Metadata = maps.Clone(j.Artifact.Metadata)
		out.Artifact = &artifact
	}
	if j.CompletedAt != nil {
		completed := *j.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

// Source provides a consistent read snapshot of the knowledge base.
type Source interface {
	View(ctx context.Context, fn func(domain.TransactionView) error) error
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(logger core.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithAuditRecorder receives one entry per job state transition.
func WithAuditRecorder(recorder core.AuditRecorder) Option {
	return func(w *Worker) { w.audit = recorder }
}

// WithQueueSize bounds the number of pending jobs.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// WithPrefix sets the key prefix artifacts are stored under.
func WithPrefix(prefix string) Option {
	return func(w *Worker) { w.prefix = strings.Trim(prefix, "/") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// Worker executes exports asynchronously.
type Worker struct {
	source    Source
	store     blob.Store
	audit     core.AuditRecorder
	logger    core.Logger
	prefix    string
	queueSize int
	now       func() time.Time

	queue chan string
	mu    sync.RWMutex
	jobs  map[string]*Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker constructs an export worker writing to store.
func NewWorker(source Source, store blob.Store, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		source:    source,
		store:     store,
		logger:    nopLogger{},
		prefix:    DefaultPrefix,
		queueSize: defaultQueueSize,
		now:       func() time.Time { return time.Now().UTC() },
		jobs:      make(map[string]*Job),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.queue = make(chan string, w.queueSize)
	return w
}

// Start begins processing queued jobs.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the running job to finish.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(id)
		}
	}
}

// Enqueue schedules an export and returns the queued job.
func (w *Worker) Enqueue(ctx context.Context, user domain.User) (Job, error) {
	if w.ctx.Err() != nil {
		return Job{}, fmt.Errorf("export worker stopped")
	}
	now := w.now()
	job := &Job{
		ID:          ulid.Make().String(),
		Status:      StatusQueued,
		RequestedBy: user.Username,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w.mu.Lock()
	w.jobs[job.ID] = job
	snapshot := job.copy()
	w.mu.Unlock()
	select {
	case w.queue <- job.ID:
	default:
		w.mu.Lock()
		delete(w.jobs, job.ID)
		w.mu.Unlock()
		return Job{}, fmt.Errorf("export queue full")
	}
	w.record(ctx, snapshot, 0)
	return snapshot, nil
}

// Get returns a snapshot of the job.
func (w *Worker) Get(id string) (Job, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	job, ok := w.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.copy(), true
}

// Export runs one export synchronously and returns the finished job.
func (w *Worker) Export(ctx context.Context, user domain.User) (Job, error) {
	now := w.now()
	job := &Job{ID: ulid.Make().String(), Status: StatusRunning, RequestedBy: user.Username, CreatedAt: now, UpdatedAt: now}
	w.mu.Lock()
	w.jobs[job.ID] = job
	w.mu.Unlock()
	err := w.run(ctx, job.ID)
	out, _ := w.Get(job.ID)
	return out, err
}

func (w *Worker) process(id string) {
	if _, ok := w.Get(id); !ok {
		return
	}
	_ = w.run(w.ctx, id)
}

func (w *Worker) run(ctx context.Context, id string) error {
	started := time.Now()
	w.update(id, func(j *Job) { j.Status = StatusRunning })
	w.record(ctx, w.mustGet(id), 0)

	var buf bytes.Buffer
	counts, err := Write(ctx, w.source, &buf)
	if err != nil {
		return w.fail(ctx, id, started, fmt.Errorf("encode archive: %w", err))
	}
	key := w.key(id)
	info, err := w.store.Put(ctx, key, bytes.NewReader(buf.Bytes()), blob.PutOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			"job":       id,
			"variants":  strconv.Itoa(counts.Variants),
			"relations": strconv.Itoa(counts.Relations),
			"revisions": strconv.Itoa(counts.Revisions),
		},
	})
	if err != nil {
		return w.fail(ctx, id, started, fmt.Errorf("store archive: %w", err))
	}
	w.update(id, func(j *Job) {
		now := w.now()
		j.Status = StatusSucceeded
		j.Error = ""
		j.Counts = counts
		j.Artifact = &info
		j.CompletedAt = &now
	})
	w.logger.Info("archive exported", "job", id, "key", key, "variants", counts.Variants, "relations", counts.Relations, "revisions", counts.Revisions)
	w.record(ctx, w.mustGet(id), time.Since(started))
	return nil
}

func (w *Worker) fail(ctx context.Context, id string, started time.Time, err error) error {
	w.update(id, func(j *Job) {
		now := w.now()
		j.Status = StatusFailed
		j.Error = err.Error()
		j.CompletedAt = &now
	})
	w.logger.Error("archive export failed", "job", id, "error", err)
	w.record(ctx, w.mustGet(id), time.Since(started))
	return err
}

func (w *Worker) key(id string) string {
	if w.prefix == "" {
		return id + ".ndjson"
	}
	return w.prefix + "/" + id + ".ndjson"
}

func (w *Worker) update(id string, fn func(*Job)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if job, ok := w.jobs[id]; ok {
		fn(job)
		job.UpdatedAt = w.now()
	}
}

func (w *Worker) mustGet(id string) Job {
	job, _ := w.Get(id)
	return job
}

func (w *Worker) record(ctx context.Context, job Job, duration time.Duration) {
	if w.audit == nil {
		return
	}
	entry := core.AuditEntry{
		Operation: "archive_export_" + string(job.Status),
		User:      domain.User{Username: job.RequestedBy},
		Status:    core.AuditStatusSuccess,
		Duration:  duration,
		Timestamp: w.now(),
	}
	if job.Status == StatusFailed {
		entry.Status = core.AuditStatusError
		entry.Error = job.Error
	}
	w.audit.Record(ctx, entry)
}

// Write encodes variants, relations and the full revision log from one
// snapshot of source into buf as NDJSON.
func Write(ctx context.Context, source Source, buf *bytes.Buffer) (Counts, error) {
	var counts Counts
	enc := json.NewEncoder(buf)
	err := source.View(ctx, func(view domain.TransactionView) error {
		for _, v := range view.ListVariants() {
			if err := ctx.Err(); err != nil {
				return err
			}
			line := Line{Kind: KindVariant, ID: v.ID, Tags: v.Tags, Version: latestVersion(view, domain.VariantRef(v.ID))}
			if err := enc.Encode(line); err != nil {
				return err
			}
			counts.Variants++
		}
		for _, rel := range view.ListRelations() {
			if err := ctx.Err(); err != nil {
				return err
			}
			line := Line{
				Kind:    KindRelation,
				ID:      rel.ID,
				Tags:    rel.Tags,
				Variant: strconv.FormatInt(rel.VariantID, 10),
				Version: latestVersion(view, domain.RelationRef(rel.ID)),
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
			counts.Relations++
		}
		for _, rev := range view.ListRevisions() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rev := rev
			if err := enc.Encode(Line{Kind: KindRevision, Revision: &rev}); err != nil {
				return err
			}
			counts.Revisions++
		}
		return nil
	})
	return counts, err
}

func latestVersion(view domain.TransactionView, ref domain.EntityRef) int {
	rev, ok := view.LatestRevision(ref)
	if !ok {
		return 0
	}
	return rev.Version
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
