// Package badger persists the knowledge base to an embedded BadgerDB
// key-value store. Each knowledge-base transaction is one badger
// transaction, so a commit is all-or-nothing and concurrent writers are
// caught by badger's conflict detection.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gennotes/pkg/domain"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
)

var _ domain.PersistentStore = (*Store)(nil)

// Key prefixes. Ids are zero padded so iteration order matches numeric order.
const (
	variantPrefix  = "variant/"
	b37Prefix      = "b37/"
	relationPrefix = "relation/"
	relVarPrefix   = "relvar/"
	revisionPrefix = "revision/"
	sequencePrefix = "seq/"
)

// Config controls how the database is opened.
type Config struct {
	// Path is the database directory; required unless InMemory is set.
	Path string
	// InMemory keeps all data in RAM (tests).
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// MemTableSize overrides badger's memtable size, which also bounds the
	// size of one transaction. Zero keeps the default.
	MemTableSize int64
	// Logger receives badger's internal log lines; nil silences them.
	Logger *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Store implements domain.PersistentStore on a badger database.
type Store struct {
	db    *badger.DB
	nowFn func() time.Time
	idFn  func(time.Time) string
}

// NewStore opens the database described by cfg.
func NewStore(cfg Config) (*Store, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
		idFn: func(t time.Time) string {
			return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
		},
	}, nil
}

func open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.MemTableSize > 0 {
		opts = opts.WithMemTableSize(cfg.MemTableSize)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying badger handle for tests.
func (s *Store) DB() *badger.DB { return s.db }

// RunInTransaction runs fn in one read-write badger transaction. A
// transaction that outgrows badger's batch limit fails with
// domain.ErrTransactionTooLarge and writes nothing.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	tx := &transaction{view: &view{txn: txn}, store: s, now: s.nowFn()}
	fnErr := fn(tx)
	if tx.err != nil {
		return classify(tx.err)
	}
	if fnErr != nil {
		return fnErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// View runs fn against a read-only badger snapshot.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		v := &view{txn: txn}
		fnErr := fn(v)
		if v.err != nil {
			return classify(v.err)
		}
		return fnErr
	})
}

func classify(err error) error {
	switch {
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	case errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%w: %w", domain.ErrTransactionTooLarge, err)
	}
	return err
}

func variantKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", variantPrefix, id))
}

func b37Key(key domain.B37Key) []byte {
	return []byte(b37Prefix + strings.Join([]string{key.Chrom, key.Pos, key.RefAllele, key.VarAllele}, "\x00"))
}

func relationKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", relationPrefix, id))
}

func relVarPrefixFor(variantID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d/", relVarPrefix, variantID))
}

func relVarKey(variantID, relationID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d/%020d", relVarPrefix, variantID, relationID))
}

func historyPrefix(ref domain.EntityRef) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/", revisionPrefix, ref.Entity, ref.ID))
}

func revisionKey(rev domain.Revision) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%010d", revisionPrefix, rev.Entity, rev.EntityID, rev.Version))
}

func sequenceKey(entity domain.EntityType) []byte {
	return []byte(sequencePrefix + string(entity))
}

// view reads through a badger transaction. The first failure is kept in err
// and later calls become no-ops.
type view struct {
	txn *badger.Txn
	err error
}

func (v *view) fail(op string, err error) error {
	if v.err == nil {
		v.err = fmt.Errorf("%s: %w", op, err)
	}
	return v.err
}

func (v *view) raw(op string, key []byte) ([]byte, bool) {
	if v.err != nil {
		return nil, false
	}
	item, err := v.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false
	}
	if err != nil {
		v.fail(op, err)
		return nil, false
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		v.fail(op, err)
		return nil, false
	}
	return val, true
}

func getJSON[T any](v *view, op string, key []byte) (T, bool) {
	var out T
	val, ok := v.raw(op, key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(val, &out); err != nil {
		v.fail(op, fmt.Errorf("decode %s: %w", key, err))
		return out, false
	}
	return out, true
}

// scan calls fn for every key under prefix; the iterator is closed before
// scan returns so a read-write transaction never holds two at once.
func (v *view) scan(op string, prefix []byte, reverse bool, fn func(key, val []byte) (bool, error)) {
	if v.err != nil {
		return
	}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	it := v.txn.NewIterator(opts)
	defer it.Close()
	seek := prefix
	if reverse {
		seek = append(append([]byte(nil), prefix...), 0xFF)
	}
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			v.fail(op, err)
			return
		}
		more, err := fn(item.Key(), val)
		if err != nil {
			v.fail(op, err)
			return
		}
		if !more {
			return
		}
	}
}

func scanJSON[T any](v *view, op string, prefix []byte) []T {
	var out []T
	v.scan(op, prefix, false, func(key, val []byte) (bool, error) {
		var item T
		if err := json.Unmarshal(val, &item); err != nil {
			return false, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, item)
		return true, nil
	})
	if v.err != nil {
		return nil
	}
	return out
}

func (v *view) FindVariant(id int64) (domain.Variant, bool) {
	return getJSON[domain.Variant](v, "find variant", variantKey(id))
}

func (v *view) variantIDByB37(key domain.B37Key) (int64, bool) {
	val, ok := v.raw("b37 index", b37Key(key))
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		v.fail("b37 index", err)
		return 0, false
	}
	return id, true
}

func (v *view) FindVariantByB37(key domain.B37Key) (domain.Variant, bool) {
	id, ok := v.variantIDByB37(key)
	if !ok {
		return domain.Variant{}, false
	}
	return v.FindVariant(id)
}

func (v *view) ListVariants() []domain.Variant {
	return scanJSON[domain.Variant](v, "list variants", []byte(variantPrefix))
}

func (v *view) FindRelation(id int64) (domain.Relation, bool) {
	return getJSON[domain.Relation](v, "find relation", relationKey(id))
}

func (v *view) ListRelations() []domain.Relation {
	return scanJSON[domain.Relation](v, "list relations", []byte(relationPrefix))
}

func (v *view) RelationsForVariant(variantID int64) []domain.Relation {
	prefix := relVarPrefixFor(variantID)
	var ids []int64
	v.scan("relations for variant", prefix, false, func(key, _ []byte) (bool, error) {
		id, err := strconv.ParseInt(string(key[len(prefix):]), 10, 64)
		if err != nil {
			return false, err
		}
		ids = append(ids, id)
		return true, nil
	})
	out := make([]domain.Relation, 0, len(ids))
	for _, id := range ids {
		if r, ok := v.FindRelation(id); ok {
			out = append(out, r)
		}
	}
	if v.err != nil {
		return nil
	}
	return out
}

func (v *view) Revisions(ref domain.EntityRef) []domain.Revision {
	return scanJSON[domain.Revision](v, "revisions", historyPrefix(ref))
}

func (v *view) LatestRevision(ref domain.EntityRef) (domain.Revision, bool) {
	var latest domain.Revision
	found := false
	v.scan("latest revision", historyPrefix(ref), true, func(key, val []byte) (bool, error) {
		if err := json.Unmarshal(val, &latest); err != nil {
			return false, fmt.Errorf("decode %s: %w", key, err)
		}
		found = true
		return false, nil
	})
	return latest, found && v.err == nil
}

func (v *view) ListRevisions() []domain.Revision {
	return scanJSON[domain.Revision](v, "list revisions", []byte(revisionPrefix))
}

type transaction struct {
	*view
	store *Store
	now   time.Time
}

func (tx *transaction) Snapshot() domain.TransactionView { return tx.view }

func (tx *transaction) set(op string, key, val []byte) error {
	if tx.err != nil {
		return tx.err
	}
	if err := tx.txn.Set(key, val); err != nil {
		return tx.fail(op, err)
	}
	return nil
}

func (tx *transaction) setJSON(op string, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	return tx.set(op, key, data)
}

func (tx *transaction) delete(op string, key []byte) error {
	if tx.err != nil {
		return tx.err
	}
	if err := tx.txn.Delete(key); err != nil {
		return tx.fail(op, err)
	}
	return nil
}

// nextID reads and bumps the entity's counter. Two transactions taking an id
// at once conflict on the counter key at commit.
func (tx *transaction) nextID(entity domain.EntityType) (int64, error) {
	var last int64
	if val, ok := tx.raw("sequence", sequenceKey(entity)); ok {
		n, err := strconv.ParseInt(string(val), 10, 64)
		if err != nil {
			return 0, tx.fail("sequence", err)
		}
		last = n
	}
	if tx.err != nil {
		return 0, tx.err
	}
	next := last + 1
	if err := tx.set("sequence", sequenceKey(entity), []byte(strconv.FormatInt(next, 10))); err != nil {
		return 0, err
	}
	return next, nil
}

func (tx *transaction) CreateVariant(tags domain.Tags) (domain.Variant, error) {
	key, ok := domain.B37KeyFromTags(tags)
	if !ok {
		return domain.Variant{}, domain.NewMissingTagsError("Create (POST)", tags.Missing(domain.VariantSpecialTags...))
	}
	if existing, dup := tx.variantIDByB37(key); dup {
		return domain.Variant{}, domain.DuplicateVariantError(0, key, existing)
	}
	id, err := tx.nextID(domain.EntityVariant)
	if err != nil {
		return domain.Variant{}, err
	}
	v := domain.Variant{ID: id, Tags: tags.Clone(), CreatedAt: tx.now, UpdatedAt: tx.now}
	if err := tx.setJSON("create variant", variantKey(id), v); err != nil {
		return domain.Variant{}, err
	}
	if err := tx.set("create variant", b37Key(key), []byte(strconv.FormatInt(id, 10))); err != nil {
		return domain.Variant{}, err
	}
	return v, nil
}

func (tx *transaction) UpdateVariant(id int64, tags domain.Tags) (domain.Variant, error) {
	current, ok := tx.FindVariant(id)
	if tx.err != nil {
		return domain.Variant{}, tx.err
	}
	if !ok {
		return domain.Variant{}, domain.NotFoundError{Entity: domain.EntityVariant, Key: fmt.Sprint(id)}
	}
	oldKey, hadKey := current.B37Key()
	newKey, hasKey := domain.B37KeyFromTags(tags)
	moved := hasKey != hadKey || newKey != oldKey
	if hasKey && moved {
		if other, dup := tx.variantIDByB37(newKey); dup && other != id {
			return domain.Variant{}, domain.DuplicateVariantError(id, newKey, other)
		}
	}
	if hadKey && moved {
		if err := tx.delete("update variant", b37Key(oldKey)); err != nil {
			return domain.Variant{}, err
		}
	}
	if hasKey && moved {
		if err := tx.set("update variant", b37Key(newKey), []byte(strconv.FormatInt(id, 10))); err != nil {
			return domain.Variant{}, err
		}
	}
	current.Tags = tags.Clone()
	current.UpdatedAt = tx.now
	if err := tx.setJSON("update variant", variantKey(id), current); err != nil {
		return domain.Variant{}, err
	}
	return current, nil
}

func (tx *transaction) CreateRelation(variantID int64, tags domain.Tags) (domain.Relation, error) {
	if _, ok := tx.FindVariant(variantID); !ok {
		if tx.err != nil {
			return domain.Relation{}, tx.err
		}
		return domain.Relation{}, domain.NotFoundError{Entity: domain.EntityVariant, Key: fmt.Sprint(variantID)}
	}
	id, err := tx.nextID(domain.EntityRelation)
	if err != nil {
		return domain.Relation{}, err
	}
	r := domain.Relation{ID: id, VariantID: variantID, Tags: tags.Clone(), CreatedAt: tx.now, UpdatedAt: tx.now}
	if err := tx.setJSON("create relation", relationKey(id), r); err != nil {
		return domain.Relation{}, err
	}
	if err := tx.set("create relation", relVarKey(variantID, id), nil); err != nil {
		return domain.Relation{}, err
	}
	return r, nil
}

func (tx *transaction) loadRelation(id int64) (domain.Relation, error) {
	current, ok := tx.FindRelation(id)
	if tx.err != nil {
		return domain.Relation{}, tx.err
	}
	if !ok {
		return domain.Relation{}, domain.NotFoundError{Entity: domain.EntityRelation, Key: fmt.Sprint(id)}
	}
	return current, nil
}

func (tx *transaction) UpdateRelation(id int64, tags domain.Tags) (domain.Relation, error) {
	current, err := tx.loadRelation(id)
	if err != nil {
		return domain.Relation{}, err
	}
	current.Tags = tags.Clone()
	current.UpdatedAt = tx.now
	if err := tx.setJSON("update relation", relationKey(id), current); err != nil {
		return domain.Relation{}, err
	}
	return current, nil
}

func (tx *transaction) DeleteRelation(id int64) (domain.Relation, error) {
	current, err := tx.loadRelation(id)
	if err != nil {
		return domain.Relation{}, err
	}
	if err := tx.delete("delete relation", relationKey(id)); err != nil {
		return domain.Relation{}, err
	}
	if err := tx.delete("delete relation", relVarKey(current.VariantID, id)); err != nil {
		return domain.Relation{}, err
	}
	return current, nil
}

func (tx *transaction) AppendRevision(rev domain.Revision) (domain.Revision, error) {
	ref := rev.Ref()
	if err := domain.CheckRevisionRef(ref); err != nil {
		return domain.Revision{}, err
	}
	latest, ok := tx.LatestRevision(ref)
	if tx.err != nil {
		return domain.Revision{}, tx.err
	}
	if ok && latest.Deleted {
		return domain.Revision{}, fmt.Errorf("%s: %w", ref, domain.ErrDeletedHistory)
	}
	rev.ID = tx.store.idFn(tx.now)
	rev.Version = latest.Version + 1
	rev.CreatedAt = tx.now
	if rev.Tags != nil {
		rev.Tags = rev.Tags.Clone()
	}
	if err := tx.setJSON("append revision", revisionKey(rev), rev); err != nil {
		return domain.Revision{}, err
	}
	return rev, nil
}
