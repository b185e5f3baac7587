package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/apertura-studio/studiomail/internal/mail"
)

// PutTombstone records a local delete or move pending server
// confirmation. One tombstone per composite key; a second write
// replaces the first.
func (s *Store) PutTombstone(t *mail.Tombstone) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO tombstones (account_id, email_id, reason, target_folder, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, email_id) DO UPDATE SET
			reason = excluded.reason,
			target_folder = excluded.target_folder,
			created_at = excluded.created_at
	`, t.AccountID, t.EmailID, string(t.Reason), string(t.TargetFolder), createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put tombstone: %w", err)
	}
	return nil
}

// GetTombstone returns the tombstone for a key, or nil if none exists.
func (s *Store) GetTombstone(accountID, emailID string) (*mail.Tombstone, error) {
	row := s.db.QueryRow(`
		SELECT reason, target_folder, created_at
		FROM tombstones
		WHERE account_id = ? AND email_id = ?
	`, accountID, emailID)

	var reason string
	var targetFolder sql.NullString
	var createdAt int64
	err := row.Scan(&reason, &targetFolder, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tombstone: %w", err)
	}

	return &mail.Tombstone{
		AccountID:    accountID,
		EmailID:      emailID,
		Reason:       mail.TombstoneReason(reason),
		TargetFolder: mail.Folder(targetFolder.String),
		CreatedAt:    time.UnixMilli(createdAt),
	}, nil
}

// DeleteTombstone removes a tombstone once the server state matches.
func (s *Store) DeleteTombstone(accountID, emailID string) error {
	_, err := s.db.Exec(`
		DELETE FROM tombstones WHERE account_id = ? AND email_id = ?
	`, accountID, emailID)
	return err
}

// PruneTombstones removes tombstones created before the cutoff and
// returns how many were removed. Stale entries are harmless but worth
// clearing so a long-gone move cannot pin folder state forever.
func (s *Store) PruneTombstones(olderThan time.Time) (int, error) {
	result, err := s.db.Exec(`
		DELETE FROM tombstones WHERE created_at < ?
	`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune tombstones: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}
