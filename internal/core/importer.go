package core

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"gennotes/pkg/domain"
)

// Importer defaults.
const (
	DefaultImportBatchSize = 10000
	DefaultImportUser      = "clinvar-data-importer"
	DefaultImportComment   = "Bulk import"
)

// ImportKind names the entity an import record describes.
type ImportKind string

// Import record kinds.
const (
	ImportVariant  ImportKind = "variant"
	ImportRelation ImportKind = "relation"
)

// ImportRecord is one line of bulk input. Relation records name their owning
// variant by id or b37 key.
type ImportRecord struct {
	Kind    ImportKind `json:"kind"`
	Tags    Tags       `json:"tags"`
	Variant string     `json:"variant,omitempty"`
}

// ChunkError reports a failed chunk by its record index range [Start, End).
type ChunkError struct {
	Start int
	End   int
	Err   error
}

func (e ChunkError) Error() string {
	return fmt.Sprintf("import records %d-%d: %v", e.Start, e.End, e.Err)
}

func (e ChunkError) Unwrap() error { return e.Err }

// ImportSummary totals the outcome of an import run.
type ImportSummary struct {
	Records          int
	Chunks           int
	VariantsCreated  int
	VariantsUpdated  int
	RelationsCreated int
	RelationsUpdated int
	Unchanged        int
	Failed           []ChunkError
}

func (s *ImportSummary) add(c importCounts) {
	s.VariantsCreated += c.variantsCreated
	s.VariantsUpdated += c.variantsUpdated
	s.RelationsCreated += c.relationsCreated
	s.RelationsUpdated += c.relationsUpdated
	s.Unchanged += c.unchanged
}

type importCounts struct {
	variantsCreated  int
	variantsUpdated  int
	relationsCreated int
	relationsUpdated int
	unchanged        int
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithBatchSize sets the number of records committed per transaction.
func WithBatchSize(n int) ImporterOption {
	return func(im *Importer) {
		if n > 0 {
			im.batchSize = n
		}
	}
}

// WithImportUser sets the identity revisions are attributed to.
func WithImportUser(user User) ImporterOption {
	return func(im *Importer) {
		if !user.IsZero() {
			im.user = user
		}
	}
}

// WithImportComment sets the comment prefix recorded on every revision.
func WithImportComment(comment string) ImporterOption {
	return func(im *Importer) {
		if comment != "" {
			im.comment = comment
		}
	}
}

// WithRelationKey names a relation tag that identifies a relation within its
// variant and type, such as "clinvar-rcva:accession". Records matching an
// existing relation on that tag are merged into it.
func WithRelationKey(tag string) ImporterOption {
	return func(im *Importer) { im.relationKey = tag }
}

// Importer loads variants and relations in bounded transactions. Variants
// whose b37 key already exists are merged instead of duplicated.
type Importer struct {
	svc         *Service
	batchSize   int
	user        User
	comment     string
	relationKey string
}

// NewImporter binds an importer to the service's store and rules.
func (s *Service) NewImporter(opts ...ImporterOption) *Importer {
	im := &Importer{
		svc:       s,
		batchSize: DefaultImportBatchSize,
		user:      User{ID: DefaultImportUser, Username: DefaultImportUser},
		comment:   DefaultImportComment,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(im)
		}
	}
	return im
}

// ImportAll imports a slice of records.
func (im *Importer) ImportAll(ctx context.Context, records []ImportRecord) (ImportSummary, error) {
	return im.Import(ctx, func(yield func(ImportRecord, error) bool) {
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
	})
}

// Import drains records, committing every batch in its own transaction. A
// failing chunk is recorded in the summary and the import continues; source
// and context errors stop it.
func (im *Importer) Import(ctx context.Context, records iter.Seq2[ImportRecord, error]) (ImportSummary, error) {
	var summary ImportSummary
	batch := make([]ImportRecord, 0, min(im.batchSize, 1024))
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := im.commit(ctx, summary.Records-len(batch), batch, &summary)
		batch = batch[:0]
		return err
	}
	for rec, err := range records {
		if err != nil {
			return summary, fmt.Errorf("read import record %d: %w", summary.Records, err)
		}
		batch = append(batch, rec)
		summary.Records++
		if len(batch) >= im.batchSize {
			if err := flush(); err != nil {
				return summary, err
			}
		}
	}
	if err := flush(); err != nil {
		return summary, err
	}
	return summary, nil
}

// commit stores batch in one transaction, halving it while the backend
// reports the transaction as too large. Each transaction that runs to an
// outcome counts as one chunk.
func (im *Importer) commit(ctx context.Context, start int, batch []ImportRecord, summary *ImportSummary) error {
	counts, err := im.commitChunk(ctx, start, batch)
	if errors.Is(err, domain.ErrTransactionTooLarge) && len(batch) > 1 {
		mid := len(batch) / 2
		if err := im.commit(ctx, start, batch[:mid], summary); err != nil {
			return err
		}
		return im.commit(ctx, start+mid, batch[mid:], summary)
	}
	summary.Chunks++
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		summary.Failed = append(summary.Failed, ChunkError{Start: start, End: start + len(batch), Err: err})
		return nil
	}
	summary.add(counts)
	return nil
}

func (im *Importer) commitChunk(ctx context.Context, start int, batch []ImportRecord) (importCounts, error) {
	var counts importCounts
	comment := fmt.Sprintf("%s (records %d-%d)", im.comment, start, start+len(batch))
	meta := opMeta{op: "import_chunk", user: im.user}
	err := im.svc.observe(ctx, meta, func(ctx context.Context) (int64, error) {
		return 0, im.svc.runTx(ctx, func(tx Transaction) error {
			counts = importCounts{}
			rtx := newRecordingTx(tx, im.user, comment)
			for i, rec := range batch {
				if err := im.apply(rtx, rec, &counts); err != nil {
					return fmt.Errorf("record %d: %w", start+i, err)
				}
			}
			return nil
		})
	})
	return counts, err
}

func (im *Importer) apply(rtx recordingTx, rec ImportRecord, counts *importCounts) error {
	switch rec.Kind {
	case ImportVariant:
		return im.applyVariant(rtx, rec, counts)
	case ImportRelation:
		return im.applyRelation(rtx, rec, counts)
	default:
		return domain.ValidationError{Fields: []string{"kind"}, Message: fmt.Sprintf("unknown import kind %q", rec.Kind)}
	}
}

func (im *Importer) applyVariant(rtx recordingTx, rec ImportRecord, counts *importCounts) error {
	view := rtx.tx.Snapshot()
	if key, ok := domain.B37KeyFromTags(rec.Tags); ok {
		if current, found := view.FindVariantByB37(key); found {
			merged := current.Tags.Merge(rec.Tags)
			if merged.Equal(current.Tags) {
				counts.unchanged++
				return nil
			}
			version := currentVersion(view, domain.VariantRef(current.ID))
			if err := im.svc.rules.Evaluate(domain.EditState{
				Entity:         EntityVariant,
				Action:         ActionUpdate,
				Mode:           domain.EditMerge,
				EntityID:       current.ID,
				Fields:         []string{domain.FieldTags, domain.FieldEditedVersion},
				Tags:           rec.Tags,
				EditedVersion:  &version,
				CurrentTags:    current.Tags,
				CurrentVersion: version,
			}); err != nil {
				return err
			}
			if _, _, err := rtx.updateVariant(current.ID, merged); err != nil {
				return err
			}
			counts.variantsUpdated++
			return nil
		}
	}
	if err := im.svc.rules.Evaluate(domain.EditState{
		Entity: EntityVariant,
		Action: ActionCreate,
		Fields: []string{domain.FieldTags},
		Tags:   rec.Tags,
	}); err != nil {
		return err
	}
	if _, _, err := rtx.createVariant(rec.Tags); err != nil {
		return err
	}
	counts.variantsCreated++
	return nil
}

func (im *Importer) applyRelation(rtx recordingTx, rec ImportRecord, counts *importCounts) error {
	view := rtx.tx.Snapshot()
	if err := im.svc.rules.Evaluate(domain.EditState{
		Entity: EntityRelation,
		Action: ActionCreate,
		Fields: []string{domain.FieldTags, domain.FieldVariant},
		Tags:   rec.Tags,
	}); err != nil {
		return err
	}
	owner, err := NewLookupResolver(view).Variant(rec.Variant)
	if err != nil {
		var nf domain.NotFoundError
		if errors.As(err, &nf) {
			return domain.ValidationError{
				Fields:  []string{domain.FieldVariant},
				Message: fmt.Sprintf("Invalid variant reference '%s': object does not exist.", rec.Variant),
			}
		}
		return err
	}
	if existing, ok := im.findRelation(view, owner.ID, rec.Tags); ok {
		merged := existing.Tags.Merge(rec.Tags)
		if merged.Equal(existing.Tags) {
			counts.unchanged++
			return nil
		}
		if _, _, err := rtx.updateRelation(existing.ID, merged); err != nil {
			return err
		}
		counts.relationsUpdated++
		return nil
	}
	if _, _, err := rtx.createRelation(owner.ID, rec.Tags); err != nil {
		return err
	}
	counts.relationsCreated++
	return nil
}

func (im *Importer) findRelation(view TransactionView, variantID int64, tags Tags) (Relation, bool) {
	if im.relationKey == "" {
		return Relation{}, false
	}
	want, ok := tags.Get(im.relationKey)
	if !ok {
		return Relation{}, false
	}
	for _, rel := range view.RelationsForVariant(variantID) {
		if rel.Type() != tags[domain.TagType] {
			continue
		}
		if got, ok := rel.Tags.Get(im.relationKey); ok && got == want {
			return rel, true
		}
	}
	return Relation{}, false
}
