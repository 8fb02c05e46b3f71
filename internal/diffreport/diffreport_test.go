package diffreport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestHTML_IdenticalFilesProduceNothing(t *testing.T) {
	dir := t.TempDir()
	a := write(t, dir, "a.json", `{"name":"parcels","maxRecordCount":2000}`)
	b := write(t, dir, "b.json", `{"name":"parcels","maxRecordCount":2000}`)

	out, err := HTML(a, b, dir)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHTML_WritesReportOnChange(t *testing.T) {
	dir := t.TempDir()
	a := write(t, dir, "2025-01-01T00-00-00.000Z.json", `{"name":"parcels","maxRecordCount":2000}`)
	b := write(t, dir, "2025-01-02T00-00-00.000Z.json", `{"name":"parcels","maxRecordCount":1000}`)

	out, err := HTML(a, b, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2025-01-01T00-00-00.000Z_diff_2025-01-02T00-00-00.000Z.html"), out)

	body, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(body), "+1 / -1 lines")
	assert.Contains(t, string(body), "1000")
}

func TestLines_CountsPlainText(t *testing.T) {
	diffs := Lines([]byte("a\nb\nc\n"), []byte("a\nc\nd\ne\n"))
	assert.True(t, Changed(diffs))
	ins, del := Counts(diffs)
	assert.Equal(t, 2, ins)
	assert.Equal(t, 1, del)
}

func TestHTML_MissingFile(t *testing.T) {
	_, err := HTML("/nonexistent/a.json", "/nonexistent/b.json", t.TempDir())
	assert.Error(t, err)
}
