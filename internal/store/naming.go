package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/con-j-e/featsync/internal/errs"
)

// Snapshot names are ISO-8601 UTC instants at millisecond precision with
// ':' replaced by '-' and the offset written as 'Z', so they sort
// lexically and survive every filesystem: 2025-03-04T05-06-07.089Z.json
const instantLayout = "2006-01-02T15-04-05.000Z"

// EncodeInstant renders t (converted to UTC, truncated to ms) as a file stem.
func EncodeInstant(t time.Time) string {
	return t.UTC().Format(instantLayout)
}

// DecodeInstant parses a stem produced by EncodeInstant.
func DecodeInstant(stem string) (time.Time, error) {
	t, err := time.ParseInLocation(instantLayout, stem, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode instant %q: %w", stem, err)
	}
	return t, nil
}

// instantFromPath decodes the creation instant out of a snapshot path.
func instantFromPath(path string) (time.Time, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	t, err := DecodeInstant(stem)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.CacheCorruption, "store.name", fmt.Errorf("%s: %w", path, err))
	}
	return t, nil
}
