package label

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labshot/labshot/am"
	"github.com/labshot/labshot/db"
	"github.com/labshot/labshot/errors"
)

func newTestGenerator(t *testing.T) (*Generator, *sql.DB) {
	t.Helper()
	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	cfg := am.Default()
	cfg.RecordSystem.BaseURL = "https://elab.example.org/api/v2"
	cfg.Storage.LabelsDir = filepath.Join(t.TempDir(), "labels")
	store := am.NewStore(cfg, filepath.Join(t.TempDir(), "labshot.toml"))
	return NewGenerator(store, conn, nil), conn
}

func TestPayloadFor(t *testing.T) {
	tests := []struct {
		baseURL string
		id      int
		want    string
	}{
		{"https://elab.example.org/api/v2", 42, "https://elab.example.org/database.php?mode=view&id=42"},
		{"https://elab.example.org/api/v1", 7, "https://elab.example.org/database.php?mode=view&id=7"},
		{"https://elab.example.org/api/v2/", 7, "https://elab.example.org/database.php?mode=view&id=7"},
		{"http://10.0.0.5/elab/api/v2", 1, "http://10.0.0.5/elab/database.php?mode=view&id=1"},
		{"https://elab.example.org", 3, "https://elab.example.org/database.php?mode=view&id=3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PayloadFor(tt.baseURL, tt.id))
	}
}

func TestPayloadIsDeterministic(t *testing.T) {
	a := PayloadFor("https://elab.example.org/api/v2", 42)
	b := PayloadFor("https://elab.example.org/api/v2", 42)
	assert.Equal(t, a, b)
}

func TestGenerateWritesPNGAndRow(t *testing.T) {
	g, conn := newTestGenerator(t)

	label, err := g.Generate(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 42, label.RecordID)
	assert.Contains(t, label.Payload, "id=42")

	data, err := os.ReadFile(label.FilePath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")), "expected PNG magic")

	var count int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM labels WHERE record_id = 42").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestGenerateReplacesFileForSameRecord(t *testing.T) {
	g, _ := newTestGenerator(t)
	ctx := context.Background()

	first, err := g.Generate(ctx, 7)
	require.NoError(t, err)
	second, err := g.Generate(ctx, 7)
	require.NoError(t, err)

	// Same record, same file path, identical bytes.
	assert.Equal(t, first.FilePath, second.FilePath)
	a, _ := os.ReadFile(first.FilePath)
	b, _ := os.ReadFile(second.FilePath)
	assert.Equal(t, a, b)
}

func TestGenerateRequiresBaseURL(t *testing.T) {
	g, _ := newTestGenerator(t)
	cfg := am.Default()
	cfg.Storage.LabelsDir = t.TempDir()
	g.store = am.NewStore(cfg, filepath.Join(t.TempDir(), "labshot.toml"))

	_, err := g.Generate(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestListAndDelete(t *testing.T) {
	g, _ := newTestGenerator(t)
	ctx := context.Background()

	l1, err := g.Generate(ctx, 1)
	require.NoError(t, err)
	_, err = g.Generate(ctx, 2)
	require.NoError(t, err)

	all, err := g.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only1, err := g.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, only1, 1)
	assert.Equal(t, 1, only1[0].RecordID)

	require.NoError(t, g.Delete(ctx, l1.ID))
	assert.NoFileExists(t, l1.FilePath)

	_, err = g.Get(ctx, l1.ID)
	assert.True(t, errors.IsNotFoundError(err))
}
