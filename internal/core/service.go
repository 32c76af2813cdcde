package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"gennotes/internal/infra/persistence/memory"
	"gennotes/pkg/domain"
)

// Service exposes the edit protocol and read operations over a persistent store.
// Every mutation runs the rules chain and its writes inside one store
// transaction, so the version check and the commit cannot interleave with
// another writer.
type Service struct {
	store   PersistentStore
	rules   *domain.RulesEngine
	logger  Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	clock   Clock
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		rules:   domain.NewEditRulesEngine(),
		logger:  noopLogger{},
		audit:   noopAuditRecorder{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		clock:   ClockFunc(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NewInMemoryService creates a service over a fresh in-memory store.
func NewInMemoryService(opts ...ServiceOption) *Service {
	return NewService(memory.NewStore(), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// Rules returns the edit protocol chain.
func (s *Service) Rules() *domain.RulesEngine {
	return s.rules
}

type opMeta struct {
	op     string
	entity EntityType
	action Action
	user   User
}

// observe wraps an operation with tracing, metrics, audit and logging. fn
// returns the id of the entity it touched.
func (s *Service) observe(ctx context.Context, meta opMeta, fn func(ctx context.Context) (int64, error)) error {
	ctx, span := s.tracer.Start(ctx, meta.op)
	start := time.Now()
	id, err := fn(ctx)
	duration := time.Since(start)
	span.End(err)
	s.metrics.Observe(ctx, meta.op, err == nil, duration)

	entry := AuditEntry{
		Operation: meta.op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  id,
		User:      meta.user,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		s.logOutcome(meta, id, err)
	} else {
		s.logger.Info("edit committed", "operation", meta.op, "entity", meta.entity, "id", id, "user", meta.user.Username)
	}
	s.audit.Record(ctx, entry)
	return err
}

func (s *Service) logOutcome(meta opMeta, id int64, err error) {
	switch {
	case domain.IsValidation(err), domain.IsConflict(err), domain.IsNotFound(err), domain.IsAuthorization(err):
		s.logger.Debug("edit rejected", "operation", meta.op, "entity", meta.entity, "id", id, "error", err)
	default:
		s.logger.Error("edit failed", "operation", meta.op, "entity", meta.entity, "id", id, "error", err)
	}
}

// runTx executes fn in a store transaction and retries once when the store
// reports a transient failure. fn must be safe to re-run.
func (s *Service) runTx(ctx context.Context, fn func(Transaction) error) error {
	err := s.store.RunInTransaction(ctx, fn)
	if !errors.Is(err, domain.ErrTransient) {
		return err
	}
	s.logger.Warn("retrying transaction after transient storage failure", "error", err)
	err = s.store.RunInTransaction(ctx, fn)
	if errors.Is(err, domain.ErrTransient) {
		return fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}
	return err
}

func requireUser(user User) error {
	if user.IsZero() {
		return domain.AuthorizationError{}
	}
	return nil
}

// CreateVariant runs the create protocol for a variant.
func (s *Service) CreateVariant(ctx context.Context, user User, req EditRequest) (VariantView, error) {
	var out VariantView
	err := s.observe(ctx, opMeta{op: "create_variant", entity: EntityVariant, action: ActionCreate, user: user}, func(ctx context.Context) (int64, error) {
		if err := requireUser(user); err != nil {
			return 0, err
		}
		err := s.runTx(ctx, func(tx Transaction) error {
			state := domain.EditState{Entity: EntityVariant, Action: ActionCreate, Fields: req.fields(), Tags: req.Tags}
			if err := s.rules.Evaluate(state); err != nil {
				return err
			}
			v, _, err := newRecordingTx(tx, user, req.Comment).createVariant(req.Tags)
			if err != nil {
				return err
			}
			out = variantView(tx.Snapshot(), v)
			return nil
		})
		return out.ID, err
	})
	return out, err
}

// UpdateVariant runs the update protocol against the variant named by ref.
func (s *Service) UpdateVariant(ctx context.Context, user User, ref string, req EditRequest) (VariantView, error) {
	var out VariantView
	err := s.observe(ctx, opMeta{op: "update_variant", entity: EntityVariant, action: ActionUpdate, user: user}, func(ctx context.Context) (int64, error) {
		if err := requireUser(user); err != nil {
			return 0, err
		}
		var id int64
		err := s.runTx(ctx, func(tx Transaction) error {
			view := tx.Snapshot()
			current, err := NewLookupResolver(view).Variant(ref)
			if err != nil {
				return err
			}
			id = current.ID
			state := domain.EditState{
				Entity:         EntityVariant,
				Action:         ActionUpdate,
				Mode:           req.Mode,
				EntityID:       current.ID,
				Fields:         req.fields(),
				Tags:           req.Tags,
				EditedVersion:  req.EditedVersion,
				CurrentTags:    current.Tags,
				CurrentVersion: currentVersion(view, domain.VariantRef(current.ID)),
			}
			if err := s.rules.Evaluate(state); err != nil {
				return err
			}
			v, _, err := newRecordingTx(tx, user, req.Comment).updateVariant(current.ID, applyDelta(current.Tags, req.Tags, req.Mode))
			if err != nil {
				return err
			}
			out = variantView(tx.Snapshot(), v)
			return nil
		})
		return id, err
	})
	return out, err
}

// CreateRelation runs the create protocol for a relation under req.Variant.
func (s *Service) CreateRelation(ctx context.Context, user User, req EditRequest) (RelationView, error) {
	var out RelationView
	err := s.observe(ctx, opMeta{op: "create_relation", entity: EntityRelation, action: ActionCreate, user: user}, func(ctx context.Context) (int64, error) {
		if err := requireUser(user); err != nil {
			return 0, err
		}
		err := s.runTx(ctx, func(tx Transaction) error {
			state := domain.EditState{Entity: EntityRelation, Action: ActionCreate, Fields: req.fields(), Tags: req.Tags}
			if err := s.rules.Evaluate(state); err != nil {
				return err
			}
			owner, err := NewLookupResolver(tx.Snapshot()).Variant(req.Variant)
			if err != nil {
				return domain.ValidationError{
					Fields:  []string{domain.FieldVariant},
					Message: fmt.Sprintf("Invalid variant reference '%s': object does not exist.", req.Variant),
				}
			}
			rel, _, err := newRecordingTx(tx, user, req.Comment).createRelation(owner.ID, req.Tags)
			if err != nil {
				return err
			}
			out = relationView(tx.Snapshot(), rel)
			return nil
		})
		return out.ID, err
	})
	return out, err
}

// UpdateRelation runs the update protocol against relation id.
func (s *Service) UpdateRelation(ctx context.Context, user User, id int64, req EditRequest) (RelationView, error) {
	var out RelationView
	err := s.observe(ctx, opMeta{op: "update_relation", entity: EntityRelation, action: ActionUpdate, user: user}, func(ctx context.Context) (int64, error) {
		if err := requireUser(user); err != nil {
			return id, err
		}
		err := s.runTx(ctx, func(tx Transaction) error {
			view := tx.Snapshot()
			current, err := NewLookupResolver(view).Relation(id)
			if err != nil {
				return err
			}
			state := domain.EditState{
				Entity:         EntityRelation,
				Action:         ActionUpdate,
				Mode:           req.Mode,
				EntityID:       id,
				Fields:         req.fields(),
				Tags:           req.Tags,
				EditedVersion:  req.EditedVersion,
				CurrentTags:    current.Tags,
				CurrentVersion: currentVersion(view, domain.RelationRef(id)),
			}
			if err := s.rules.Evaluate(state); err != nil {
				return err
			}
			rel, _, err := newRecordingTx(tx, user, req.Comment).updateRelation(id, applyDelta(current.Tags, req.Tags, req.Mode))
			if err != nil {
				return err
			}
			out = relationView(tx.Snapshot(), rel)
			return nil
		})
		return id, err
	})
	return out, err
}

// DeleteRelation removes relation id and records a deletion revision. When
// req.EditedVersion is set it must match the current version.
func (s *Service) DeleteRelation(ctx context.Context, user User, id int64, req EditRequest) (Revision, error) {
	var out Revision
	err := s.observe(ctx, opMeta{op: "delete_relation", entity: EntityRelation, action: ActionDelete, user: user}, func(ctx context.Context) (int64, error) {
		if err := requireUser(user); err != nil {
			return id, err
		}
		err := s.runTx(ctx, func(tx Transaction) error {
			view := tx.Snapshot()
			if _, err := NewLookupResolver(view).Relation(id); err != nil {
				return err
			}
			state := domain.EditState{
				Entity:         EntityRelation,
				Action:         ActionDelete,
				EntityID:       id,
				Fields:         req.fields(),
				EditedVersion:  req.EditedVersion,
				CurrentVersion: currentVersion(view, domain.RelationRef(id)),
			}
			if err := s.rules.Evaluate(state); err != nil {
				return err
			}
			rev, err := newRecordingTx(tx, user, req.Comment).deleteRelation(id)
			if err != nil {
				return err
			}
			out = rev
			return nil
		})
		return id, err
	})
	return out, err
}

func applyDelta(current, delta Tags, mode domain.EditMode) Tags {
	if mode == domain.EditReplace {
		return delta.Clone()
	}
	return current.Merge(delta)
}

// GetVariant resolves a variant by numeric id or b37 key.
func (s *Service) GetVariant(ctx context.Context, ref string) (VariantView, error) {
	var out VariantView
	err := s.store.View(ctx, func(view TransactionView) error {
		v, err := NewLookupResolver(view).Variant(ref)
		if err != nil {
			return err
		}
		out = variantView(view, v)
		return nil
	})
	return out, err
}

// GetVariantByB37 looks a variant up by its four special tag values.
func (s *Service) GetVariantByB37(ctx context.Context, key domain.B37Key) (VariantView, error) {
	var out VariantView
	err := s.store.View(ctx, func(view TransactionView) error {
		v, ok := view.FindVariantByB37(key)
		if !ok {
			return domain.NotFoundError{Entity: EntityVariant, Key: key.String()}
		}
		out = variantView(view, v)
		return nil
	})
	return out, err
}

// VariantFilter restricts Variants to a set of lookup keys. A nil Keys slice
// means no restriction; an empty non-nil slice matches nothing.
type VariantFilter struct {
	Keys []string
}

// Variants streams variants from a consistent snapshot in id order. The
// snapshot is materialized before the first yield so the consumer never runs
// while the store's view is open.
func (s *Service) Variants(ctx context.Context, filter VariantFilter) iter.Seq2[VariantView, error] {
	return func(yield func(VariantView, error) bool) {
		var views []VariantView
		err := s.store.View(ctx, func(view TransactionView) error {
			var variants []Variant
			if filter.Keys == nil {
				variants = view.ListVariants()
			} else {
				variants = NewLookupResolver(view).Variants(filter.Keys)
			}
			views = make([]VariantView, 0, len(variants))
			for _, v := range variants {
				views = append(views, variantView(view, v))
			}
			return nil
		})
		if err != nil {
			yield(VariantView{}, err)
			return
		}
		for _, v := range views {
			if err := ctx.Err(); err != nil {
				yield(VariantView{}, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// GetRelation returns relation id.
func (s *Service) GetRelation(ctx context.Context, id int64) (RelationView, error) {
	var out RelationView
	err := s.store.View(ctx, func(view TransactionView) error {
		rel, err := NewLookupResolver(view).Relation(id)
		if err != nil {
			return err
		}
		out = relationView(view, rel)
		return nil
	})
	return out, err
}

// Relations streams all relations from a consistent snapshot in id order.
func (s *Service) Relations(ctx context.Context) iter.Seq2[RelationView, error] {
	return func(yield func(RelationView, error) bool) {
		var views []RelationView
		err := s.store.View(ctx, func(view TransactionView) error {
			rels := view.ListRelations()
			views = make([]RelationView, 0, len(rels))
			for _, rel := range rels {
				views = append(views, relationView(view, rel))
			}
			return nil
		})
		if err != nil {
			yield(RelationView{}, err)
			return
		}
		for _, r := range views {
			if err := ctx.Err(); err != nil {
				yield(RelationView{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// RelationsForVariant lists the relations owned by the referenced variant.
func (s *Service) RelationsForVariant(ctx context.Context, ref string) ([]RelationView, error) {
	var out []RelationView
	err := s.store.View(ctx, func(view TransactionView) error {
		v, err := NewLookupResolver(view).Variant(ref)
		if err != nil {
			return err
		}
		out = variantView(view, v).Relations
		return nil
	})
	return out, err
}

func refKey(ref EntityRef) string {
	return strconv.FormatInt(ref.ID, 10)
}
