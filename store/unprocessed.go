package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quietwire/quietwire/protocol"
)

// MaxAttempts is the load-attempt cap after which a record is treated as a
// poison message and permanently dropped.
const MaxAttempts = 5

// UnprocessedRecord is the durable shadow of an envelope: it exists from the
// moment the envelope is accepted off the transport until its processing is
// acknowledged, and is the sole crash-recovery mechanism.
type UnprocessedRecord struct {
	ID         string
	Envelope   []byte
	Decrypted  []byte
	Attempts   int
	ReceivedAt time.Time
}

// LoadedEnvelope pairs a reloaded record with its decoded envelope.
type LoadedEnvelope struct {
	Envelope *protocol.Envelope
	Record   UnprocessedRecord
}

// Persist records a freshly accepted envelope. The raw serialized bytes are
// kept so the envelope can be re-decoded and re-attempted after a crash.
func (s *Store) Persist(env *protocol.Envelope, raw []byte) (string, error) {
	id := env.ID()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO unprocessed (id, envelope, decrypted, attempts, received_at)
		 VALUES (?, ?, NULL, 1, ?)`,
		id, raw, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("persist envelope %q: %w", id, err)
	}
	return id, nil
}

// MarkDecrypted checkpoints a successful decryption so it is never repeated,
// even if a later processing step fails before acknowledgement.
func (s *Store) MarkDecrypted(id string, plaintext []byte) error {
	res, err := s.db.Exec(`UPDATE unprocessed SET decrypted = ? WHERE id = ?`, plaintext, id)
	if err != nil {
		return fmt.Errorf("mark decrypted %q: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark decrypted %q: %w", id, sql.ErrNoRows)
	}
	return nil
}

// Remove destroys the record once processing is acknowledged. Removing an
// already-removed record is a no-op.
func (s *Store) Remove(id string) error {
	if _, err := s.db.Exec(`DELETE FROM unprocessed WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove envelope %q: %w", id, err)
	}
	return nil
}

// LoadAll returns every stored record in arrival order, incrementing each
// record's attempt counter. A record whose new count reaches MaxAttempts is
// deleted instead of persisted, so it is returned for one final attempt and
// never reloaded again. Rows whose envelope bytes no longer decode are
// skipped; the attempt counter reaps them.
func (s *Store) LoadAll() ([]LoadedEnvelope, error) {
	rows, err := s.db.Query(
		`SELECT id, envelope, decrypted, attempts, received_at
		 FROM unprocessed ORDER BY received_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load unprocessed: %w", err)
	}
	defer rows.Close()

	var records []UnprocessedRecord
	for rows.Next() {
		var rec UnprocessedRecord
		var receivedAt int64
		if err := rows.Scan(&rec.ID, &rec.Envelope, &rec.Decrypted, &rec.Attempts, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan unprocessed row: %w", err)
		}
		rec.ReceivedAt = time.UnixMilli(receivedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load unprocessed: %w", err)
	}

	loaded := make([]LoadedEnvelope, 0, len(records))
	for i := range records {
		rec := &records[i]
		rec.Attempts++

		if rec.Attempts >= MaxAttempts {
			logrus.WithFields(logrus.Fields{
				"id":       rec.ID,
				"attempts": rec.Attempts,
			}).Warn("final attempt for stored envelope")
			if err := s.Remove(rec.ID); err != nil {
				return nil, err
			}
		} else {
			if _, err := s.db.Exec(`UPDATE unprocessed SET attempts = ? WHERE id = ?`, rec.Attempts, rec.ID); err != nil {
				return nil, fmt.Errorf("update attempts %q: %w", rec.ID, err)
			}
		}

		env, err := protocol.ParseEnvelope(rec.Envelope)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"id":    rec.ID,
				"error": err,
			}).Warn("stored envelope no longer decodes, skipping")
			continue
		}
		loaded = append(loaded, LoadedEnvelope{Envelope: env, Record: *rec})
	}

	logrus.WithFields(logrus.Fields{
		"count": len(loaded),
	}).Info("loaded unprocessed envelopes")

	return loaded, nil
}

// Count reports how many unprocessed records remain. Used by tests and
// operational tooling.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM unprocessed`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unprocessed: %w", err)
	}
	return n, nil
}

// Get fetches one record by id, or sql.ErrNoRows.
func (s *Store) Get(id string) (*UnprocessedRecord, error) {
	var rec UnprocessedRecord
	var receivedAt int64
	err := s.db.QueryRow(
		`SELECT id, envelope, decrypted, attempts, received_at FROM unprocessed WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Envelope, &rec.Decrypted, &rec.Attempts, &receivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get unprocessed %q: %w", id, err)
	}
	rec.ReceivedAt = time.UnixMilli(receivedAt)
	return &rec, nil
}
