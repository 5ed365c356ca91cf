package store

import (
	"fmt"
	"time"
)

func (s *PostgresStore) RecordInbound(messageID, origin string, reclaimBefore time.Time) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, origin, received_at) VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO UPDATE SET origin = EXCLUDED.origin, received_at = EXCLUDED.received_at
		WHERE inbound_dedup.processed_at IS NULL AND inbound_dedup.received_at < $4`,
		messageID, origin, toMillis(s.now()), toMillis(reclaimBefore),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
		toMillis(s.now()), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ForgetInbound(messageID string) error {
	if _, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PruneInbound(before time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < $1`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune inbound dedup failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
