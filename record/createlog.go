package record

import (
	"context"
	"database/sql"
	"time"

	"github.com/labshot/labshot/errors"
)

// CreateLog is the local idempotency log for record creation. Creates are
// keyed by the originating artifact; a retried job finds the logged id
// instead of registering the asset a second time.
type CreateLog struct {
	db *sql.DB
}

// NewCreateLog wraps the shared database.
func NewCreateLog(db *sql.DB) *CreateLog {
	return &CreateLog{db: db}
}

// Lookup returns the record id previously created for key, if any.
func (l *CreateLog) Lookup(ctx context.Context, key string) (int, bool, error) {
	var id int
	err := l.db.QueryRowContext(ctx,
		"SELECT external_id FROM record_creates WHERE create_key = ?", key).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "querying create log")
	}
	return id, true, nil
}

// Put records that key produced the given record id.
func (l *CreateLog) Put(ctx context.Context, key string, id int) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO record_creates (create_key, external_id, created_at) VALUES (?, ?, ?)",
		key, id, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "recording create")
	}
	return nil
}

// CreateIdempotent creates a record for key unless one was already created,
// in which case the logged id is returned. The second return value reports
// whether a new record was created.
func (c *Client) CreateIdempotent(ctx context.Context, log *CreateLog, key string, draft Draft) (int, bool, error) {
	if id, found, err := log.Lookup(ctx, key); err != nil {
		return 0, false, err
	} else if found {
		c.logger.Infow("Reusing previously created record", "key", key, "id", id)
		return id, false, nil
	}

	id, err := c.Create(ctx, draft)
	if err != nil {
		return 0, false, err
	}
	if err := log.Put(ctx, key, id); err != nil {
		// The record exists remotely but the log write failed. Surface the
		// error so the job retries land on Lookup-miss and the operator can
		// see the root cause; the job store still carries the record id.
		return id, true, err
	}
	return id, true, nil
}
