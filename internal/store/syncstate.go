package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/apertura-studio/studiomail/internal/mail"
)

// GetFolderState returns the cached validators for one (account,
// folder), or nil if the folder has never been fetched.
func (s *Store) GetFolderState(accountID string, folder mail.Folder) (*mail.FolderSyncState, error) {
	row := s.db.QueryRow(`
		SELECT etag, last_modified, next_token, updated_at
		FROM folder_sync_state
		WHERE account_id = ? AND folder = ?
	`, accountID, string(folder))

	var etag, lastModified, nextToken sql.NullString
	var updatedAt int64
	err := row.Scan(&etag, &lastModified, &nextToken, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get folder state: %w", err)
	}

	return &mail.FolderSyncState{
		AccountID:    accountID,
		Folder:       folder,
		ETag:         etag.String,
		LastModified: lastModified.String,
		NextToken:    nextToken.String,
		UpdatedAt:    time.UnixMilli(updatedAt),
	}, nil
}

// PutFolderState fully replaces the sync state for one (account,
// folder). Single-writer cache of server-side validators; no merge.
func (s *Store) PutFolderState(state *mail.FolderSyncState) error {
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO folder_sync_state (account_id, folder, etag, last_modified, next_token, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			next_token = excluded.next_token,
			updated_at = excluded.updated_at
	`, state.AccountID, string(state.Folder), state.ETag, state.LastModified, state.NextToken, updatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put folder state: %w", err)
	}
	return nil
}
