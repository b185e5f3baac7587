package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apertura-studio/studiomail/internal/mail"
)

const emailColumns = `account_id, email_id, folder, timestamp, subject,
	from_address, from_name, to_addresses, cc_addresses, bcc_addresses,
	body_html, body_text, unread, starred, archived,
	has_attachments, attachments, thread_id, updated_at`

// UpsertRecords writes a batch of records for one (account, folder)
// atomically. Writing the same record twice yields one stored row with
// the latest fields. Records without an emailId are skipped. Returns
// the number of rows written.
//
// A record's UpdatedAt is preserved when set; zero means "stamp with
// the current time".
func (s *Store) UpsertRecords(accountID string, folder mail.Folder, records []*mail.EmailRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	now := time.Now().UnixMilli()
	written := 0

	err := s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO emails (` + emailColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id, email_id) DO UPDATE SET
				folder = excluded.folder,
				timestamp = excluded.timestamp,
				subject = excluded.subject,
				from_address = excluded.from_address,
				from_name = excluded.from_name,
				to_addresses = excluded.to_addresses,
				cc_addresses = excluded.cc_addresses,
				bcc_addresses = excluded.bcc_addresses,
				body_html = excluded.body_html,
				body_text = excluded.body_text,
				unread = excluded.unread,
				starred = excluded.starred,
				archived = excluded.archived,
				has_attachments = excluded.has_attachments,
				attachments = excluded.attachments,
				thread_id = excluded.thread_id,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			if rec == nil || rec.EmailID == "" {
				continue
			}

			recFolder := rec.Folder
			if recFolder == "" {
				recFolder = folder
			}
			updatedAt := rec.UpdatedAt
			if updatedAt == 0 {
				updatedAt = now
			}

			toJSON := encodeAddresses(rec.To)
			ccJSON := encodeAddresses(rec.Cc)
			bccJSON := encodeAddresses(rec.Bcc)
			attJSON := encodeAttachments(rec.Attachments)

			if _, err := stmt.Exec(
				accountID, rec.EmailID, string(recFolder), rec.Timestamp, rec.Subject,
				rec.FromAddress, rec.FromName, toJSON, ccJSON, bccJSON,
				rec.BodyHTML, rec.BodyText, rec.Unread, rec.Starred, rec.Archived,
				rec.HasAttachments, attJSON, rec.ThreadID, updatedAt,
			); err != nil {
				return fmt.Errorf("upsert %s: %w", rec.EmailID, err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// GetByFolder returns up to limit records for the folder ordered by
// timestamp descending. Virtual folders select by flag: starred by
// starred = 1, archived by archived = 1. Archived records are excluded
// from every other folder.
func (s *Store) GetByFolder(accountID string, folder mail.Folder, limit int) ([]*mail.EmailRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var where string
	args := []interface{}{accountID}
	switch folder {
	case mail.FolderStarred:
		where = "account_id = ? AND starred = 1 AND archived = 0"
	case mail.FolderArchived:
		where = "account_id = ? AND archived = 1"
	default:
		where = "account_id = ? AND folder = ? AND archived = 0"
		args = append(args, string(folder))
	}
	args = append(args, limit)

	rows, err := s.db.Query(`
		SELECT `+emailColumns+`
		FROM emails
		WHERE `+where+`
		ORDER BY timestamp DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query folder %s: %w", folder, err)
	}
	defer rows.Close()

	var records []*mail.EmailRecord
	for rows.Next() {
		rec, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate emails: %w", err)
	}
	return records, nil
}

// GetByKey returns a single record, or nil if it does not exist.
func (s *Store) GetByKey(accountID, emailID string) (*mail.EmailRecord, error) {
	row := s.db.QueryRow(`
		SELECT `+emailColumns+`
		FROM emails
		WHERE account_id = ? AND email_id = ?
	`, accountID, emailID)

	rec, err := scanEmail(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateFlags applies a partial flag update. Returns false when no
// record exists to update; there is no implicit insert.
func (s *Store) UpdateFlags(accountID, emailID string, patch mail.FlagPatch) (bool, error) {
	if patch.IsZero() {
		return false, fmt.Errorf("empty flag patch")
	}

	set := "updated_at = ?"
	args := []interface{}{time.Now().UnixMilli()}
	if patch.Unread != nil {
		set += ", unread = ?"
		args = append(args, *patch.Unread)
	}
	if patch.Starred != nil {
		set += ", starred = ?"
		args = append(args, *patch.Starred)
	}
	if patch.Archived != nil {
		set += ", archived = ?"
		args = append(args, *patch.Archived)
	}
	if patch.Folder != nil {
		set += ", folder = ?"
		args = append(args, string(*patch.Folder))
	}
	args = append(args, accountID, emailID)

	result, err := s.db.Exec(`
		UPDATE emails SET `+set+`
		WHERE account_id = ? AND email_id = ?
	`, args...)
	if err != nil {
		return false, fmt.Errorf("update flags %s: %w", emailID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// FolderCount holds per-folder totals.
type FolderCount struct {
	Total  int64
	Unread int64
}

// CountByFolder returns per-folder counts for an account. Archived
// records appear only under the archived pseudo-folder; the starred
// virtual count likewise excludes archived.
func (s *Store) CountByFolder(accountID string) (map[mail.Folder]FolderCount, error) {
	counts := make(map[mail.Folder]FolderCount)

	rows, err := s.db.Query(`
		SELECT folder, COUNT(*), COALESCE(SUM(unread), 0)
		FROM emails
		WHERE account_id = ? AND archived = 0
		GROUP BY folder
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("count folders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var folder string
		var c FolderCount
		if err := rows.Scan(&folder, &c.Total, &c.Unread); err != nil {
			return nil, err
		}
		counts[mail.Folder(folder)] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	virtuals := []struct {
		folder mail.Folder
		where  string
	}{
		{mail.FolderStarred, "starred = 1 AND archived = 0"},
		{mail.FolderArchived, "archived = 1"},
	}
	for _, v := range virtuals {
		var c FolderCount
		err := s.db.QueryRow(`
			SELECT COUNT(*), COALESCE(SUM(unread), 0)
			FROM emails
			WHERE account_id = ? AND `+v.where,
			accountID).Scan(&c.Total, &c.Unread)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", v.folder, err)
		}
		counts[v.folder] = c
	}

	return counts, nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEmail(row scanner) (*mail.EmailRecord, error) {
	var rec mail.EmailRecord
	var folder string
	var subject, fromAddr, fromName sql.NullString
	var toJSON, ccJSON, bccJSON, attJSON sql.NullString
	var bodyHTML, bodyText, threadID sql.NullString

	err := row.Scan(
		&rec.AccountID, &rec.EmailID, &folder, &rec.Timestamp, &subject,
		&fromAddr, &fromName, &toJSON, &ccJSON, &bccJSON,
		&bodyHTML, &bodyText, &rec.Unread, &rec.Starred, &rec.Archived,
		&rec.HasAttachments, &attJSON, &threadID, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Folder = mail.Folder(folder)
	rec.Subject = subject.String
	rec.FromAddress = fromAddr.String
	rec.FromName = fromName.String
	rec.BodyHTML = bodyHTML.String
	rec.BodyText = bodyText.String
	rec.ThreadID = threadID.String
	rec.To = decodeAddresses(toJSON)
	rec.Cc = decodeAddresses(ccJSON)
	rec.Bcc = decodeAddresses(bccJSON)
	rec.Attachments = decodeAttachments(attJSON)

	return &rec, nil
}

func encodeAddresses(addrs []string) string {
	if addrs == nil {
		addrs = []string{}
	}
	b, _ := json.Marshal(addrs)
	return string(b)
}

func decodeAddresses(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return []string{}
	}
	var addrs []string
	if err := json.Unmarshal([]byte(s.String), &addrs); err != nil {
		return []string{}
	}
	return addrs
}

func encodeAttachments(atts []mail.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	b, _ := json.Marshal(atts)
	return string(b)
}

func decodeAttachments(s sql.NullString) []mail.Attachment {
	if !s.Valid || s.String == "" {
		return nil
	}
	var atts []mail.Attachment
	if err := json.Unmarshal([]byte(s.String), &atts); err != nil {
		return nil
	}
	return atts
}
