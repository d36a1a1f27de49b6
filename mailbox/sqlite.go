package mailbox

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/opd-ai/ephemrelay/envelope"
)

var createTableSQL = []string{
	// The mailbox table holds one row per queued envelope. The relay never
	// stores plaintext; ciphertext and key material are opaque hex strings.
	//
	// Field: delivery_state
	//
	//   One of 'queued', 'delivered', 'read'. Only 'queued' rows are
	//   deliverable; 'delivered' and 'read' rows linger until the retention
	//   sweep or a read-expiry removes them.
	//
	// Field: sequence
	//
	//   Relay-assigned monotonic submission counter. Orders envelopes with
	//   equal created_at so wall-clock ties cannot reorder a sender's
	//   messages.
	`
CREATE TABLE IF NOT EXISTS mailbox (
message_id TEXT NOT NULL,
to_identity TEXT NOT NULL,
from_identity TEXT NOT NULL,
block_hash TEXT NOT NULL,
nonce TEXT NOT NULL,
iv TEXT NOT NULL,
auth_tag TEXT NOT NULL,
ciphertext TEXT NOT NULL,
created_at INTEGER NOT NULL,
sequence INTEGER NOT NULL,
expires_after_read INTEGER NOT NULL,
delivery_state TEXT NOT NULL,
stored_at INTEGER NOT NULL,
delivered_at INTEGER,
read_at INTEGER,
PRIMARY KEY (message_id, to_identity)
);`,
	`
CREATE INDEX IF NOT EXISTS mailbox_undelivered
ON mailbox (to_identity, delivery_state, created_at);`,
	`
CREATE INDEX IF NOT EXISTS mailbox_sweep
ON mailbox (delivery_state, delivered_at);`,
}

// SQLite is the durable Mailbox backed by a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the mailbox database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open mailbox database")
	}

	for _, stmt := range createTableSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "initialize mailbox schema")
		}
	}

	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Store implements Mailbox.
func (s *SQLite) Store(ctx context.Context, env *envelope.Envelope) error {
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO mailbox
(message_id, to_identity, from_identity, block_hash, nonce, iv, auth_tag,
 ciphertext, created_at, sequence, expires_after_read, delivery_state, stored_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.MessageID, env.To, env.From,
		env.KeyMaterial.BlockHash, env.KeyMaterial.Nonce,
		env.IV, env.AuthTag, env.Ciphertext,
		env.CreatedAt.UnixNano(), env.Sequence, env.ExpiresAfterRead,
		string(StateQueued), time.Now().UTC().UnixNano())
	if err != nil {
		return errors.Wrap(err, "store envelope")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "store envelope")
	}
	if n == 0 {
		return ErrAlreadyStored
	}
	return nil
}

// FetchUndelivered implements Mailbox. The block-list filter is applied
// in process; block sets are small and this keeps the query planable.
func (s *SQLite) FetchUndelivered(ctx context.Context, identity string, excludeSenders map[string]struct{}) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT message_id, to_identity, from_identity, block_hash, nonce, iv, auth_tag,
       ciphertext, created_at, sequence, expires_after_read, delivery_state,
       stored_at, delivered_at, read_at
FROM mailbox
WHERE to_identity = ? AND delivery_state = ?
ORDER BY created_at ASC, sequence ASC`,
		identity, string(StateQueued))
	if err != nil {
		return nil, errors.Wrap(err, "fetch undelivered")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if _, excluded := excludeSenders[rec.Envelope.From]; excluded {
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "fetch undelivered")
}

// MarkDelivered implements Mailbox.
func (s *SQLite) MarkDelivered(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE mailbox SET delivery_state = ?, delivered_at = ?
WHERE message_id = ? AND delivery_state = ?`,
		string(StateDelivered), time.Now().UTC().UnixNano(),
		messageID, string(StateQueued))
	if err != nil {
		return errors.Wrap(err, "mark delivered")
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return s.errIfMissing(ctx, messageID)
	}
	return nil
}

// MarkRead implements Mailbox.
func (s *SQLite) MarkRead(ctx context.Context, messageID string) error {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
UPDATE mailbox
SET delivery_state = ?, read_at = ?, delivered_at = COALESCE(delivered_at, ?)
WHERE message_id = ? AND delivery_state != ?`,
		string(StateRead), now, now, messageID, string(StateRead))
	if err != nil {
		return errors.Wrap(err, "mark read")
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return s.errIfMissing(ctx, messageID)
	}
	return nil
}

// Delete implements Mailbox.
func (s *SQLite) Delete(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mailbox WHERE message_id = ?`, messageID)
	if err != nil {
		return errors.Wrap(err, "delete envelope")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIfDeliveredBefore implements Mailbox.
func (s *SQLite) DeleteIfDeliveredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM mailbox
WHERE delivery_state != ? AND delivered_at IS NOT NULL AND delivered_at < ?`,
		string(StateQueued), cutoff.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "sweep delivered envelopes")
	}

	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "sweep delivered envelopes")
}

// errIfMissing distinguishes "no transition needed" from "no such message"
// after an UPDATE matched zero rows.
func (s *SQLite) errIfMissing(ctx context.Context, messageID string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM mailbox WHERE message_id = ?`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return errors.Wrap(err, "lookup message")
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var createdAt, storedAt int64
	var deliveredAt, readAt sql.NullInt64
	var state string

	err := rows.Scan(
		&rec.Envelope.MessageID, &rec.Envelope.To, &rec.Envelope.From,
		&rec.Envelope.KeyMaterial.BlockHash, &rec.Envelope.KeyMaterial.Nonce,
		&rec.Envelope.IV, &rec.Envelope.AuthTag, &rec.Envelope.Ciphertext,
		&createdAt, &rec.Envelope.Sequence, &rec.Envelope.ExpiresAfterRead,
		&state, &storedAt, &deliveredAt, &readAt)
	if err != nil {
		return Record{}, errors.Wrap(err, "scan mailbox row")
	}

	rec.Envelope.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.State = DeliveryState(state)
	rec.StoredAt = time.Unix(0, storedAt).UTC()
	if deliveredAt.Valid {
		t := time.Unix(0, deliveredAt.Int64).UTC()
		rec.DeliveredAt = &t
	}
	if readAt.Valid {
		t := time.Unix(0, readAt.Int64).UTC()
		rec.ReadAt = &t
	}
	return rec, nil
}
