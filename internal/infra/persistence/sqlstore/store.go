// Package sqlstore runs knowledge-base transactions directly against a SQL
// database. The sqlite and postgres drivers share it and differ only in their
// Dialect; every read and write goes to the database inside one *sql.Tx, so
// several processes may share a database.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gennotes/pkg/domain"

	"github.com/oklog/ulid/v2"
)

var _ domain.PersistentStore = (*Store)(nil)

// Dialect captures what differs between SQL engines.
type Dialect struct {
	Name string
	// Numbered selects $1-style placeholders instead of ?.
	Numbered bool
	// Schema is applied in order when the store is opened.
	Schema []string
	// WriteOptions and ReadOptions are passed to BeginTx.
	WriteOptions *sql.TxOptions
	ReadOptions  *sql.TxOptions
	// Classify marks driver errors that are worth retrying with domain.ErrTransient.
	Classify func(error) error
}

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) classify(err error) error {
	if err == nil || d.Classify == nil {
		return err
	}
	return d.Classify(err)
}

// Store implements domain.PersistentStore over a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	nowFn   func() time.Time
	idFn    func(time.Time) string
}

// New applies the dialect schema, seeds the id sequences and returns a store.
// The caller keeps ownership of db until Close.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply %s schema: %w", dialect.Name, err)
		}
	}
	for _, name := range []domain.EntityType{domain.EntityVariant, domain.EntityRelation} {
		if _, err := db.ExecContext(ctx, dialect.Rebind(seedSequenceSQL), string(name)); err != nil {
			return nil, fmt.Errorf("seed %s sequence: %w", name, err)
		}
	}
	return &Store{
		db:      db,
		dialect: dialect,
		nowFn:   func() time.Time { return time.Now().UTC() },
		idFn: func(t time.Time) string {
			return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
		},
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for tests and maintenance commands.
func (s *Store) DB() *sql.DB { return s.db }

// RunInTransaction runs fn inside one database transaction and commits when
// fn returns nil. The first database error seen inside fn wins over fn's own
// result and aborts the transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sqlTx, err := s.db.BeginTx(ctx, s.dialect.WriteOptions)
	if err != nil {
		return s.dialect.classify(fmt.Errorf("begin: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()
	tx := &transaction{view: &view{ctx: ctx, tx: sqlTx, d: s.dialect}, store: s, now: s.nowFn()}
	fnErr := fn(tx)
	if tx.err != nil {
		return s.dialect.classify(tx.err)
	}
	if fnErr != nil {
		return fnErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.dialect.classify(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

// View runs fn inside a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sqlTx, err := s.db.BeginTx(ctx, s.dialect.ReadOptions)
	if err != nil {
		return s.dialect.classify(fmt.Errorf("begin read: %w", err))
	}
	defer func() { _ = sqlTx.Rollback() }()
	v := &view{ctx: ctx, tx: sqlTx, d: s.dialect}
	fnErr := fn(v)
	if v.err != nil {
		return s.dialect.classify(v.err)
	}
	return fnErr
}

const (
	seedSequenceSQL = `INSERT INTO sequences(name, value) VALUES(?, 0) ON CONFLICT(name) DO NOTHING`
	nextIDSQL       = `UPDATE sequences SET value = value + 1 WHERE name = ? RETURNING value`

	variantByIDSQL  = `SELECT payload FROM variants WHERE id = ?`
	variantByB37SQL = `SELECT payload FROM variants
		WHERE chrom_b37 = ? AND pos_b37 = ? AND ref_allele_b37 = ? AND var_allele_b37 = ?`
	variantsSQL      = `SELECT payload FROM variants ORDER BY id`
	insertVariantSQL = `INSERT INTO variants(id, chrom_b37, pos_b37, ref_allele_b37, var_allele_b37, payload)
		VALUES(?, ?, ?, ?, ?, ?)`
	updateVariantSQL = `UPDATE variants SET chrom_b37 = ?, pos_b37 = ?, ref_allele_b37 = ?, var_allele_b37 = ?, payload = ?
		WHERE id = ?`

	relationByIDSQL       = `SELECT payload FROM relations WHERE id = ?`
	relationsSQL          = `SELECT payload FROM relations ORDER BY id`
	relationsByVariantSQL = `SELECT payload FROM relations WHERE variant_id = ? ORDER BY id`
	insertRelationSQL     = `INSERT INTO relations(id, variant_id, payload) VALUES(?, ?, ?)`
	updateRelationSQL     = `UPDATE relations SET payload = ? WHERE id = ?`
	deleteRelationSQL     = `DELETE FROM relations WHERE id = ?`

	historySQL        = `SELECT payload FROM revisions WHERE entity = ? AND entity_id = ? ORDER BY version`
	latestRevisionSQL = `SELECT payload FROM revisions WHERE entity = ? AND entity_id = ? ORDER BY version DESC LIMIT 1`
	revisionsSQL      = `SELECT payload FROM revisions ORDER BY entity, entity_id, version`
	insertRevisionSQL = `INSERT INTO revisions(id, entity, entity_id, version, payload) VALUES(?, ?, ?, ?, ?)`
)

// view reads through a *sql.Tx. Read methods cannot return errors, so the
// first failure is kept in err and every later call is a no-op.
type view struct {
	ctx context.Context
	tx  *sql.Tx
	d   Dialect
	err error
}

func (v *view) fail(op string, err error) error {
	if v.err == nil {
		v.err = fmt.Errorf("%s: %w", op, err)
	}
	return v.err
}

func (v *view) exec(op, query string, args ...any) error {
	if v.err != nil {
		return v.err
	}
	if _, err := v.tx.ExecContext(v.ctx, v.d.Rebind(query), args...); err != nil {
		return v.fail(op, err)
	}
	return nil
}

func (v *view) payloads(op, query string, args ...any) [][]byte {
	if v.err != nil {
		return nil
	}
	rows, err := v.tx.QueryContext(v.ctx, v.d.Rebind(query), args...)
	if err != nil {
		v.fail(op, err)
		return nil
	}
	defer func() { _ = rows.Close() }()
	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			v.fail(op, err)
			return nil
		}
		out = append(out, payload)
	}
	if err := rows.Err(); err != nil {
		v.fail(op, err)
		return nil
	}
	return out
}

func decodeAll[T any](v *view, op string, payloads [][]byte) []T {
	out := make([]T, 0, len(payloads))
	for _, payload := range payloads {
		var item T
		if err := json.Unmarshal(payload, &item); err != nil {
			v.fail(op, fmt.Errorf("decode: %w", err))
			return nil
		}
		out = append(out, item)
	}
	return out
}

func decodeOne[T any](v *view, op, query string, args ...any) (T, bool) {
	items := decodeAll[T](v, op, v.payloads(op, query, args...))
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[0], true
}

func (v *view) FindVariant(id int64) (domain.Variant, bool) {
	return decodeOne[domain.Variant](v, "find variant", variantByIDSQL, id)
}

func (v *view) FindVariantByB37(key domain.B37Key) (domain.Variant, bool) {
	return decodeOne[domain.Variant](v, "find variant by b37", variantByB37SQL, key.Chrom, key.Pos, key.RefAllele, key.VarAllele)
}

func (v *view) ListVariants() []domain.Variant {
	return decodeAll[domain.Variant](v, "list variants", v.payloads("list variants", variantsSQL))
}

func (v *view) FindRelation(id int64) (domain.Relation, bool) {
	return decodeOne[domain.Relation](v, "find relation", relationByIDSQL, id)
}

func (v *view) ListRelations() []domain.Relation {
	return decodeAll[domain.Relation](v, "list relations", v.payloads("list relations", relationsSQL))
}

func (v *view) RelationsForVariant(variantID int64) []domain.Relation {
	return decodeAll[domain.Relation](v, "relations for variant", v.payloads("relations for variant", relationsByVariantSQL, variantID))
}

func (v *view) Revisions(ref domain.EntityRef) []domain.Revision {
	return decodeAll[domain.Revision](v, "revisions", v.payloads("revisions", historySQL, string(ref.Entity), ref.ID))
}

func (v *view) LatestRevision(ref domain.EntityRef) (domain.Revision, bool) {
	return decodeOne[domain.Revision](v, "latest revision", latestRevisionSQL, string(ref.Entity), ref.ID)
}

func (v *view) ListRevisions() []domain.Revision {
	return decodeAll[domain.Revision](v, "list revisions", v.payloads("list revisions", revisionsSQL))
}

type transaction struct {
	*view
	store *Store
	now   time.Time
}

func (tx *transaction) Snapshot() domain.TransactionView { return tx.view }

func (tx *transaction) nextID(entity domain.EntityType) (int64, error) {
	if tx.err != nil {
		return 0, tx.err
	}
	var id int64
	row := tx.tx.QueryRowContext(tx.ctx, tx.d.Rebind(nextIDSQL), string(entity))
	if err := row.Scan(&id); err != nil {
		return 0, tx.fail("next "+string(entity)+" id", err)
	}
	return id, nil
}

func marshal(op string, value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%s: encode: %w", op, err)
	}
	return string(data), nil
}

func keyColumns(tags domain.Tags) []any {
	key, ok := domain.B37KeyFromTags(tags)
	if !ok {
		return []any{nil, nil, nil, nil}
	}
	return []any{key.Chrom, key.Pos, key.RefAllele, key.VarAllele}
}

func (tx *transaction) CreateVariant(tags domain.Tags) (domain.Variant, error) {
	key, ok := domain.B37KeyFromTags(tags)
	if !ok {
		return domain.Variant{}, domain.NewMissingTagsError("Create (POST)", tags.Missing(domain.VariantSpecialTags...))
	}
	if existing, dup := tx.FindVariantByB37(key); dup {
		return domain.Variant{}, domain.DuplicateVariantError(0, key, existing.ID)
	}
	id, err := tx.nextID(domain.EntityVariant)
	if err != nil {
		return domain.Variant{}, err
	}
	v := domain.Variant{ID: id, Tags: tags.Clone(), CreatedAt: tx.now, UpdatedAt: tx.now}
	payload, err := marshal("create variant", v)
	if err != nil {
		return domain.Variant{}, err
	}
	args := append(append([]any{id}, keyColumns(tags)...), payload)
	if err := tx.exec("insert variant", insertVariantSQL, args...); err != nil {
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
	if newKey, hasKey := domain.B37KeyFromTags(tags); hasKey && (!hadKey || newKey != oldKey) {
		if other, dup := tx.FindVariantByB37(newKey); dup && other.ID != id {
			return domain.Variant{}, domain.DuplicateVariantError(id, newKey, other.ID)
		}
	}
	current.Tags = tags.Clone()
	current.UpdatedAt = tx.now
	payload, err := marshal("update variant", current)
	if err != nil {
		return domain.Variant{}, err
	}
	args := append(append(keyColumns(tags), payload), id)
	if err := tx.exec("update variant", updateVariantSQL, args...); err != nil {
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
	payload, err := marshal("create relation", r)
	if err != nil {
		return domain.Relation{}, err
	}
	if err := tx.exec("insert relation", insertRelationSQL, id, variantID, payload); err != nil {
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
	payload, err := marshal("update relation", current)
	if err != nil {
		return domain.Relation{}, err
	}
	if err := tx.exec("update relation", updateRelationSQL, payload, id); err != nil {
		return domain.Relation{}, err
	}
	return current, nil
}

func (tx *transaction) DeleteRelation(id int64) (domain.Relation, error) {
	current, err := tx.loadRelation(id)
	if err != nil {
		return domain.Relation{}, err
	}
	if err := tx.exec("delete relation", deleteRelationSQL, id); err != nil {
		return domain.Relation{}, err
	}
	return current, nil
}

// AppendRevision numbers the revision after the stored history. Two writers
// racing on one entity collide on UNIQUE(entity, entity_id, version), which
// the dialect reports as transient.
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
	payload, err := marshal("append revision", rev)
	if err != nil {
		return domain.Revision{}, err
	}
	if err := tx.exec("insert revision", insertRevisionSQL, rev.ID, string(rev.Entity), rev.EntityID, rev.Version, payload); err != nil {
		return domain.Revision{}, err
	}
	return rev, nil
}
