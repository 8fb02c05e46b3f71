// Package diffreport renders line diffs between two snapshot files as HTML.
package diffreport

import (
	"bytes"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Lines diffs a and b line by line. JSON input is indented first so that
// single-line payloads still produce readable hunks.
func Lines(a, b []byte) []diffmatchpatch.Diff {
	dmp := diffmatchpatch.New()
	ta, tb, lines := dmp.DiffLinesToChars(normalize(a), normalize(b))
	diffs := dmp.DiffMain(ta, tb, false)
	return dmp.DiffCharsToLines(diffs, lines)
}

// Changed reports whether diffs hold any insertion or deletion.
func Changed(diffs []diffmatchpatch.Diff) bool {
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			return true
		}
	}
	return false
}

// Counts returns the number of inserted and deleted lines.
func Counts(diffs []diffmatchpatch.Diff) (inserted, deleted int) {
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") && d.Text != "" {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			inserted += n
		case diffmatchpatch.DiffDelete:
			deleted += n
		}
	}
	return inserted, deleted
}

// HTML is a store.CompareFunc: it writes <older>_diff_<newer>.html under
// outDir and returns its path, or "" when both files are identical.
func HTML(older, newer, outDir string) (string, error) {
	a, err := os.ReadFile(older)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", older, err)
	}
	b, err := os.ReadFile(newer)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", newer, err)
	}

	diffs := Lines(a, b)
	if !Changed(diffs) {
		return "", nil
	}

	ins, del := Counts(diffs)
	dmp := diffmatchpatch.New()
	var page bytes.Buffer
	fmt.Fprintf(&page, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n",
		html.EscapeString(stem(older)+" → "+stem(newer)))
	fmt.Fprintf(&page, "<h3>%s → %s</h3>\n<p>+%d / -%d lines</p>\n<pre>%s</pre>\n</body></html>\n",
		html.EscapeString(filepath.Base(older)), html.EscapeString(filepath.Base(newer)), ins, del, dmp.DiffPrettyHtml(diffs))

	out := filepath.Join(outDir, stem(older)+"_diff_"+stem(newer)+".html")
	if err := os.WriteFile(out, page.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", out, err)
	}
	return out, nil
}

func normalize(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err == nil {
		return buf.String() + "\n"
	}
	return string(raw)
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
