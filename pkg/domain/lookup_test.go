package domain

import "testing"

func TestParseLookupKey(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		id   int64
		b37  *B37Key
	}{
		{name: "numeric", raw: "42", id: 42},
		{name: "b37", raw: "b37-1-883516-G-A", b37: &B37Key{Chrom: "1", Pos: "883516", RefAllele: "G", VarAllele: "A"}},
		{name: "indel", raw: "b37-25-0-GT-G", b37: &B37Key{Chrom: "25", Pos: "0", RefAllele: "GT", VarAllele: "G"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := ParseLookupKey(tc.raw)
			if err != nil {
				t.Fatalf("parse %q: %v", tc.raw, err)
			}
			if tc.b37 == nil {
				if key.IsB37() || key.ID != tc.id {
					t.Fatalf("unexpected key %+v", key)
				}
				return
			}
			if !key.IsB37() || *key.B37 != *tc.b37 {
				t.Fatalf("unexpected key %+v", key)
			}
			if key.B37.String() != tc.raw {
				t.Fatalf("expected round trip to %q, got %q", tc.raw, key.B37.String())
			}
		})
	}
}

func TestParseLookupKeyRejectsOtherShapes(t *testing.T) {
	for _, raw := range []string{
		"", "0", "-1", "abc", "b37-1-2-G", "b38-1-883516-G-A", "b37-26-1-G-A",
		"b37-01-1-G-A", "b37-1-x1-G-A", "b37-1-1-G1-A", "b37-1-1-G-A-extra",
	} {
		_, err := ParseLookupKey(raw)
		if !IsNotFound(err) {
			t.Fatalf("expected not found for %q, got %v", raw, err)
		}
	}
}

func TestParseLookupKeysSkipsInvalid(t *testing.T) {
	keys := ParseLookupKeys([]string{"1", "bogus", "b37-2-10-A-T"})
	if len(keys) != 2 {
		t.Fatalf("expected two keys, got %d", len(keys))
	}
	if keys[0].ID != 1 || !keys[1].IsB37() {
		t.Fatalf("unexpected keys: %+v", keys)
	}
}

func TestNormalizeChromosome(t *testing.T) {
	cases := map[string]string{"chr1": "1", "CHR22": "22", "X": "23", "chrY": "24", "MT": "25", "M": "25", "7": "7"}
	for in, want := range cases {
		got, err := NormalizeChromosome(in)
		if err != nil {
			t.Fatalf("normalize %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("normalize %q = %q, want %q", in, got, want)
		}
	}
	for _, bad := range []string{"chr26", "Z", ""} {
		if _, err := NormalizeChromosome(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestB37KeyFromTags(t *testing.T) {
	tags := B37Key{Chrom: "1", Pos: "883516", RefAllele: "G", VarAllele: "A"}.Tags()
	key, ok := B37KeyFromTags(tags)
	if !ok || key.ID() != "1-883516-G-A" {
		t.Fatalf("unexpected key %v %v", key, ok)
	}
	delete(tags, TagVarAlleleB37)
	if _, ok := B37KeyFromTags(tags); ok {
		t.Fatalf("expected incomplete key")
	}
}
