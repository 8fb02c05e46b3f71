// Package changes compares two feature collections taken from the same
// resource at different instants. Arguments are always (newer, older).
package changes

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/con-j-e/featsync/internal/arcgis"
	"github.com/con-j-e/featsync/internal/errs"
	"github.com/goccy/go-json"
)

// KeyedDiff is the result of a comparison over a shared key field.
type KeyedDiff struct {
	Added    []arcgis.Feature
	Deleted  []arcgis.Feature
	Modified []arcgis.Feature
}

func (d KeyedDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Deleted) == 0 && len(d.Modified) == 0
}

func (d KeyedDiff) String() string {
	return fmt.Sprintf("added=%d deleted=%d modified=%d", len(d.Added), len(d.Deleted), len(d.Modified))
}

// FingerprintDiff holds records present on only one side, matched by
// content alone.
type FingerprintDiff struct {
	UniqueNew []arcgis.Feature
	UniqueOld []arcgis.Feature
}

func (d FingerprintDiff) Empty() bool {
	return len(d.UniqueNew) == 0 && len(d.UniqueOld) == 0
}

func (d FingerprintDiff) String() string {
	return fmt.Sprintf("unique_new=%d unique_old=%d", len(d.UniqueNew), len(d.UniqueOld))
}

// ByKey matches records on key. Records kept on both sides are modified
// when any attribute or the geometry differs; absent and null values are
// equal. Fields named in ignore are not compared. Every record must carry a
// unique, non-null key.
func ByKey(newer, older []arcgis.Feature, key string, ignore ...string) (KeyedDiff, error) {
	newIdx, err := index(newer, key)
	if err != nil {
		return KeyedDiff{}, fmt.Errorf("newer collection: %w", err)
	}
	oldIdx, err := index(older, key)
	if err != nil {
		return KeyedDiff{}, fmt.Errorf("older collection: %w", err)
	}

	var d KeyedDiff
	for _, f := range newer {
		k := keyOf(f.Attributes[key])
		i, ok := oldIdx[k]
		if !ok {
			d.Added = append(d.Added, f)
			continue
		}
		if !sameRecord(f, older[i], ignore) {
			d.Modified = append(d.Modified, f)
		}
	}
	for _, f := range older {
		if _, ok := newIdx[keyOf(f.Attributes[key])]; !ok {
			d.Deleted = append(d.Deleted, f)
		}
	}
	return d, nil
}

func index(fs []arcgis.Feature, key string) (map[string]int, error) {
	idx := make(map[string]int, len(fs))
	for i, f := range fs {
		v, ok := f.Attributes[key]
		if !ok || v == nil {
			return nil, errs.New(errs.InvalidKey, "changes.by_key", "record %d has no value for key %q", i, key)
		}
		k := keyOf(v)
		if _, dup := idx[k]; dup {
			return nil, errs.New(errs.InvalidKey, "changes.by_key", "duplicate key %s=%s", key, k)
		}
		idx[k] = i
	}
	return idx, nil
}

func keyOf(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func sameRecord(a, b arcgis.Feature, ignore []string) bool {
	fields := map[string]struct{}{}
	for k := range a.Attributes {
		fields[k] = struct{}{}
	}
	for k := range b.Attributes {
		fields[k] = struct{}{}
	}
	for _, k := range ignore {
		delete(fields, k)
	}
	for k := range fields {
		if !sameValue(a.Attributes[k], b.Attributes[k]) {
			return false
		}
	}
	return sameValue(geometryValue(a), geometryValue(b))
}

func geometryValue(f arcgis.Feature) any {
	if len(f.Geometry) == 0 {
		return nil
	}
	return f.Geometry
}

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// ByFingerprint matches records by an xxhash64 of their canonical JSON
// (attributes minus ignore, plus geometry). Use it when no stable key is
// shared between the collections.
func ByFingerprint(newer, older []arcgis.Feature, ignore ...string) (FingerprintDiff, error) {
	newPrints, err := fingerprints(newer, ignore)
	if err != nil {
		return FingerprintDiff{}, err
	}
	oldPrints, err := fingerprints(older, ignore)
	if err != nil {
		return FingerprintDiff{}, err
	}
	newSet := set(newPrints)
	oldSet := set(oldPrints)

	var d FingerprintDiff
	for i, p := range newPrints {
		if _, ok := oldSet[p]; !ok {
			d.UniqueNew = append(d.UniqueNew, newer[i])
		}
	}
	for i, p := range oldPrints {
		if _, ok := newSet[p]; !ok {
			d.UniqueOld = append(d.UniqueOld, older[i])
		}
	}
	return d, nil
}

// Fingerprint hashes one record.
func Fingerprint(f arcgis.Feature, ignore ...string) (uint64, error) {
	attrs := maps.Clone(f.Attributes)
	for _, k := range ignore {
		delete(attrs, k)
	}
	// go-json writes map keys sorted, which makes the encoding canonical.
	b, err := json.Marshal(struct {
		Attributes map[string]any `json:"attributes"`
		Geometry   any            `json:"geometry"`
	}{attrs, geometryValue(f)})
	if err != nil {
		return 0, fmt.Errorf("fingerprint: %w", err)
	}
	return xxhash.Sum64(b), nil
}

func fingerprints(fs []arcgis.Feature, ignore []string) ([]uint64, error) {
	out := make([]uint64, len(fs))
	for i, f := range fs {
		p, err := Fingerprint(f, ignore...)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func set(ps []uint64) map[uint64]struct{} {
	s := make(map[uint64]struct{}, len(ps))
	for _, p := range ps {
		s[p] = struct{}{}
	}
	return s
}

// SortByKey orders features by key for stable reporting.
func SortByKey(fs []arcgis.Feature, key string) {
	slices.SortStableFunc(fs, func(a, b arcgis.Feature) int {
		ka, kb := keyOf(a.Attributes[key]), keyOf(b.Attributes[key])
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		}
		return 0
	})
}
