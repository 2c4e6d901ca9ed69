package store

import (
	"fmt"
	"time"
)

// BufferedEvent is one processed incoming envelope, keyed by its content
// fingerprint. A tombstone records that the envelope was handled but its
// plaintext already consumed and dropped.
type BufferedEvent struct {
	Fingerprint string
	Plaintext   []byte
	Tombstone   bool
	InsertedAt  time.Time
}

// BufferedEvent returns the buffered event for a fingerprint.
// Returns nil, nil if the fingerprint has never been processed.
func (s *Store) BufferedEvent(fingerprint string) (*BufferedEvent, error) {
	ev := &BufferedEvent{Fingerprint: fingerprint}
	var insertedAt int64
	var tombstone int
	err := s.db.QueryRow(
		"SELECT plaintext, tombstone, inserted_at FROM event_buffer WHERE fingerprint = ?",
		fingerprint,
	).Scan(&ev.Plaintext, &tombstone, &insertedAt)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load buffered event: %w", err)
	}
	ev.Tombstone = tombstone != 0
	ev.InsertedAt = time.Unix(insertedAt, 0)
	return ev, nil
}

// PutBufferedEvent records a processed envelope under its fingerprint. A nil
// plaintext writes a tombstone. Replaces any earlier row so a redelivered
// envelope that was consumed in the meantime can be downgraded to a
// tombstone by the caller.
func (s *Store) PutBufferedEvent(fingerprint string, plaintext []byte) error {
	tombstone := 0
	if plaintext == nil {
		tombstone = 1
	}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO event_buffer (fingerprint, plaintext, tombstone, inserted_at) VALUES (?, ?, ?, ?)",
		fingerprint, plaintext, tombstone, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: put buffered event: %w", err)
	}
	return nil
}

// TombstoneBufferedEvent drops the stored plaintext for a fingerprint,
// leaving a tombstone that keeps redeliveries idempotent.
func (s *Store) TombstoneBufferedEvent(fingerprint string) error {
	_, err := s.db.Exec(
		"UPDATE event_buffer SET plaintext = NULL, tombstone = 1 WHERE fingerprint = ?",
		fingerprint,
	)
	if err != nil {
		return fmt.Errorf("store: tombstone buffered event: %w", err)
	}
	return nil
}

// PruneEventBuffer deletes buffer rows older than the cutoff. The window
// only needs to exceed the server's redelivery horizon.
func (s *Store) PruneEventBuffer(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM event_buffer WHERE inserted_at < ?",
		olderThan.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: prune event buffer: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
