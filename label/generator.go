// Package label generates printable QR labels that link a physical asset to
// its record in the record system.
package label

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/labshot/labshot/am"
	"github.com/labshot/labshot/errors"
)

// PNG edge length of generated labels, in pixels.
const labelSizePx = 256

// Label is a generated QR label for one record.
type Label struct {
	ID        string    `json:"id"`
	RecordID  int       `json:"record_id"`
	Payload   string    `json:"payload"`
	FilePath  string    `json:"file_path"`
	CreatedAt time.Time `json:"created_at"`
}

// Generator renders QR labels into the labels directory and tracks them in
// the local database.
type Generator struct {
	store  *am.Store
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewGenerator creates a label generator.
func NewGenerator(store *am.Store, database *sql.DB, logger *zap.SugaredLogger) *Generator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Generator{store: store, db: database, logger: logger}
}

var apiSuffix = regexp.MustCompile(`/api/v\d+$`)

// PayloadFor builds the URL encoded in a record's label. The payload is the
// record system's human-facing view URL, so scanning the label opens the
// record in a browser. Identical inputs always produce identical payloads.
func PayloadFor(baseURL string, recordID int) string {
	root := apiSuffix.ReplaceAllString(strings.TrimSuffix(baseURL, "/"), "")
	return fmt.Sprintf("%s/database.php?mode=view&id=%d", root, recordID)
}

// Generate renders the QR label for a record, replacing any previous label
// file for the same record.
func (g *Generator) Generate(ctx context.Context, recordID int) (*Label, error) {
	cfg := g.store.Config()
	if cfg.RecordSystem.BaseURL == "" {
		return nil, errors.Wrap(errors.ErrConfig, "record system base URL not configured")
	}

	payload := PayloadFor(cfg.RecordSystem.BaseURL, recordID)

	png, err := qrcode.Encode(payload, qrcode.Medium, labelSizePx)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrEncoding, "encoding QR payload (%d bytes): %v", len(payload), err)
	}

	dir := cfg.Storage.LabelsDir
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "creating labels directory %s", dir)
	}

	// One file per record, deterministic name so regeneration replaces it
	path := filepath.Join(dir, fmt.Sprintf("label_%d.png", recordID))
	if err := writeAtomic(dir, path, png); err != nil {
		return nil, err
	}

	label := &Label{
		ID:        uuid.New().String(),
		RecordID:  recordID,
		Payload:   payload,
		FilePath:  path,
		CreatedAt: time.Now().UTC(),
	}

	_, err = g.db.ExecContext(ctx,
		"INSERT INTO labels (id, record_id, payload, file_path, created_at) VALUES (?, ?, ?, ?, ?)",
		label.ID, label.RecordID, label.Payload, label.FilePath, label.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "recording label")
	}

	g.logger.Infow("Label generated", "record_id", recordID, "path", path)
	return label, nil
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".label-*")
	if err != nil {
		return errors.Wrap(err, "creating temp label file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing label file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing label file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "placing label file %s", path)
	}
	return nil
}

// List returns generated labels, newest first. A recordID of 0 lists all.
func (g *Generator) List(ctx context.Context, recordID int) ([]Label, error) {
	query := "SELECT id, record_id, payload, file_path, created_at FROM labels"
	args := []any{}
	if recordID > 0 {
		query += " WHERE record_id = ?"
		args = append(args, recordID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying labels")
	}
	defer rows.Close()

	var labels []Label
	for rows.Next() {
		var l Label
		if err := rows.Scan(&l.ID, &l.RecordID, &l.Payload, &l.FilePath, &l.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning label row")
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// Get returns one label by id.
func (g *Generator) Get(ctx context.Context, id string) (*Label, error) {
	var l Label
	err := g.db.QueryRowContext(ctx,
		"SELECT id, record_id, payload, file_path, created_at FROM labels WHERE id = ?", id).
		Scan(&l.ID, &l.RecordID, &l.Payload, &l.FilePath, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError(fmt.Sprintf("label %s", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying label")
	}
	return &l, nil
}

// Delete removes a label row and its PNG file.
func (g *Generator) Delete(ctx context.Context, id string) error {
	label, err := g.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := g.db.ExecContext(ctx, "DELETE FROM labels WHERE id = ?", id); err != nil {
		return errors.Wrap(err, "deleting label row")
	}
	if err := os.Remove(label.FilePath); err != nil && !os.IsNotExist(err) {
		g.logger.Warnw("Could not remove label file", "path", label.FilePath, "error", err)
	}
	return nil
}
