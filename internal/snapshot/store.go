// ABOUTME: SQLite-backed persistence for queue snapshots
// ABOUTME: One row per queue, replaced wholesale on every save
package snapshot

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"

	"github.com/chorale-audio/chorale-go/internal/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_snapshots (
    queue_id   TEXT PRIMARY KEY,
    payload    BLOB NOT NULL,
    version    INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// Store persists queue snapshots in SQLite.
type Store struct {
	db *sqlx.DB
}

// Open connects to the snapshot database, creating the schema if
// needed. Use ":memory:" for an ephemeral store.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating snapshot schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save writes a snapshot, replacing any earlier one for the queue.
func (s *Store) Save(snap *queue.Snapshot) error {
	payload, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", snap.QueueID, err)
	}
	query := `
	INSERT INTO queue_snapshots (queue_id, payload, version, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (queue_id) DO UPDATE SET
	payload = excluded.payload,
	version = excluded.version,
	updated_at = excluded.updated_at
	`
	_, err = s.db.Exec(query, snap.QueueID, payload, snap.Version, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving snapshot %s: %w", snap.QueueID, err)
	}
	return nil
}

// Load reads one queue's snapshot. Returns sql.ErrNoRows via sqlx when
// the queue was never saved.
func (s *Store) Load(queueID string) (*queue.Snapshot, error) {
	var payload []byte
	if err := s.db.Get(&payload, "SELECT payload FROM queue_snapshots WHERE queue_id = ?", queueID); err != nil {
		return nil, err
	}
	return queue.DecodeSnapshot(payload)
}

// All returns every stored snapshot, used to restore queues at startup.
func (s *Store) All() ([]*queue.Snapshot, error) {
	var payloads [][]byte
	if err := s.db.Select(&payloads, "SELECT payload FROM queue_snapshots ORDER BY queue_id"); err != nil {
		return nil, err
	}
	out := make([]*queue.Snapshot, 0, len(payloads))
	for _, p := range payloads {
		snap, err := queue.DecodeSnapshot(p)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Delete drops a queue's snapshot.
func (s *Store) Delete(queueID string) error {
	_, err := s.db.Exec("DELETE FROM queue_snapshots WHERE queue_id = ?", queueID)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
