package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// B37Key is the composite of the four build-37 special tags.
type B37Key struct {
	Chrom     string `json:"chrom"`
	Pos       string `json:"pos"`
	RefAllele string `json:"ref_allele"`
	VarAllele string `json:"var_allele"`
}

// B37KeyFromTags extracts the composite key when all four tags are present.
func B37KeyFromTags(tags Tags) (B37Key, bool) {
	if !tags.HasAll(VariantSpecialTags...) {
		return B37Key{}, false
	}
	return B37Key{
		Chrom:     tags[TagChromB37],
		Pos:       tags[TagPosB37],
		RefAllele: tags[TagRefAlleleB37],
		VarAllele: tags[TagVarAlleleB37],
	}, true
}

// Tags renders the key back into its special tags.
func (k B37Key) Tags() Tags {
	return Tags{
		TagChromB37:     k.Chrom,
		TagPosB37:       k.Pos,
		TagRefAlleleB37: k.RefAllele,
		TagVarAlleleB37: k.VarAllele,
	}
}

// ID renders the display identifier used by clients, e.g. "1-883516-G-A".
func (k B37Key) ID() string {
	return strings.Join([]string{k.Chrom, k.Pos, k.RefAllele, k.VarAllele}, "-")
}

// String renders the lookup form, e.g. "b37-1-883516-G-A".
func (k B37Key) String() string {
	return b37Prefix + "-" + k.ID()
}

const b37Prefix = "b37"

// LookupKey is a parsed variant reference: either a numeric id or a b37 key.
type LookupKey struct {
	ID  int64
	B37 *B37Key
	Raw string
}

// IsB37 reports whether the key addresses a variant by genomic coordinate.
func (k LookupKey) IsB37() bool { return k.B37 != nil }

func (k LookupKey) String() string {
	if k.Raw != "" {
		return k.Raw
	}
	if k.B37 != nil {
		return k.B37.String()
	}
	return strconv.FormatInt(k.ID, 10)
}

// ParseLookupKey parses a variant reference. Accepted shapes are a bare
// positive integer id or b37-<chrom>-<pos>-<ref>-<var>. Any other shape
// yields a NotFoundError for the variant entity.
func ParseLookupKey(raw string) (LookupKey, error) {
	s := strings.TrimSpace(raw)
	notFound := NotFoundError{Entity: EntityVariant, Key: raw}
	if s == "" {
		return LookupKey{}, notFound
	}
	if id, err := ParseID(s); err == nil {
		return LookupKey{ID: id, Raw: raw}, nil
	}
	parts := strings.Split(s, "-")
	if len(parts) != 5 || parts[0] != b37Prefix {
		return LookupKey{}, notFound
	}
	key := B37Key{Chrom: parts[1], Pos: parts[2], RefAllele: parts[3], VarAllele: parts[4]}
	if !ValidChromosome(key.Chrom) || !validPosition(key.Pos) || !validAllele(key.RefAllele) || !validAllele(key.VarAllele) {
		return LookupKey{}, notFound
	}
	return LookupKey{B37: &key, Raw: raw}, nil
}

// ParseLookupKeys parses a batch of mixed references. Unparseable entries are
// skipped since they can never match; the batch is combined with logical OR.
func ParseLookupKeys(raws []string) []LookupKey {
	out := make([]LookupKey, 0, len(raws))
	for _, raw := range raws {
		key, err := ParseLookupKey(raw)
		if err != nil {
			continue
		}
		out = append(out, key)
	}
	return out
}

// ParseID parses a positive decimal entity id.
func ParseID(s string) (int64, error) {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func validPosition(pos string) bool {
	if pos == "" {
		return false
	}
	for _, r := range pos {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validAllele(allele string) bool {
	if allele == "" {
		return false
	}
	for _, r := range allele {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

// NormalizeChromosome maps common chromosome labels ("chr1", "X", "MT") onto
// the numeric codes stored in chrom-b37.
func NormalizeChromosome(label string) (string, error) {
	s := strings.TrimSpace(label)
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "chr"):
		s = s[3:]
	case strings.HasPrefix(lower, "ch"):
		s = s[2:]
	}
	if n, err := strconv.Atoi(s); err == nil {
		code := strconv.Itoa(n)
		if ValidChromosome(code) {
			return code, nil
		}
		return "", fmt.Errorf("can't determine chromosome for %s", label)
	}
	switch strings.ToUpper(s) {
	case "X":
		return "23", nil
	case "Y":
		return "24", nil
	case "M", "MT":
		return "25", nil
	}
	return "", fmt.Errorf("can't determine chromosome for %s", label)
}
