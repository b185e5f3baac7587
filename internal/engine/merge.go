package engine

import (
	"github.com/apertura-studio/studiomail/internal/mail"
	"github.com/apertura-studio/studiomail/internal/mailapi"
)

// merge folds one page of freshly fetched server records into the
// in-memory working set and the local store.
//
// Policy: content fields (subject, bodies, addresses) are
// server-authoritative; mutable flags (unread, starred, archived,
// folder) are locally-authoritative while an optimistic change is
// still in flight — that is, when the local record was written after
// the fetch request was issued. Records present locally but absent
// from the page are left untouched: pagination means absence is not
// evidence of deletion.
func (e *Engine) merge(accountID string, folder mail.Folder, upd mailapi.Updated) (added, merged int) {
	requestedAtMillis := upd.RequestedAt.UnixMilli()

	e.mu.Lock()
	defer e.mu.Unlock()

	var toStore []*mail.EmailRecord

	for _, incoming := range upd.Records {
		s := incoming.Clone()
		s.AccountID = accountID
		key := s.Key()

		if e.suppressedByTombstone(s) {
			// Keep the tombstoned state: adopt server content but do
			// not let the stale page resurrect folder or flags.
			if local := e.localRecord(key); local != nil {
				adoptContent(local, s)
				e.working[key] = local
				toStore = append(toStore, local)
			}
			continue
		}

		local := e.localRecord(key)
		if local == nil {
			e.working[key] = s
			toStore = append(toStore, s)
			added++
			continue
		}

		if local.UpdatedAt > requestedAtMillis {
			// A flag changed locally while the fetch was in flight.
			// The optimistic change must not be lost.
			adoptContent(local, s)
			e.working[key] = local
			toStore = append(toStore, local)
			merged++
			continue
		}

		// No pending local change: the server record replaces the
		// local one wholesale (last writer wins).
		s.UpdatedAt = 0 // stamp fresh on store write
		e.working[key] = s
		toStore = append(toStore, s)
		merged++
	}

	if len(toStore) > 0 {
		if _, err := e.store.UpsertRecords(accountID, folder, toStore); err != nil {
			e.logger.Warn("persist merged records failed", "folder", folder, "error", err)
		}
	}
	return added, merged
}

// localRecord returns the in-memory record for key, falling back to
// the local store. Returns nil when the record is unknown locally.
func (e *Engine) localRecord(key mail.Key) *mail.EmailRecord {
	if rec, ok := e.working[key]; ok {
		return rec
	}
	rec, err := e.store.GetByKey(key.AccountID, key.EmailID)
	if err != nil {
		e.logger.Warn("read local record failed", "emailId", key.EmailID, "error", err)
		return nil
	}
	if rec == nil {
		return nil
	}
	e.working[key] = rec
	return rec
}

// suppressedByTombstone reports whether an incoming server record is
// blocked by a pending local delete/move. A tombstone whose target
// matches the server's reported folder is confirmed and pruned; an
// expired tombstone no longer suppresses anything.
func (e *Engine) suppressedByTombstone(s *mail.EmailRecord) bool {
	ts, err := e.store.GetTombstone(s.AccountID, s.EmailID)
	if err != nil {
		e.logger.Warn("read tombstone failed", "emailId", s.EmailID, "error", err)
		return false
	}
	if ts == nil {
		return false
	}

	if e.now().Sub(ts.CreatedAt) > e.opts.TombstoneTTL {
		_ = e.store.DeleteTombstone(s.AccountID, s.EmailID)
		return false
	}

	if ts.TargetFolder != s.Folder {
		return true
	}

	// Server confirmed the delete or move; the tombstone has done
	// its job.
	if err := e.store.DeleteTombstone(s.AccountID, s.EmailID); err != nil {
		e.logger.Warn("delete confirmed tombstone failed", "emailId", s.EmailID, "error", err)
	}
	return false
}

// adoptContent copies server-authoritative content fields onto a local
// record, leaving flags and folder untouched.
func adoptContent(local, server *mail.EmailRecord) {
	local.Subject = server.Subject
	local.FromAddress = server.FromAddress
	local.FromName = server.FromName
	local.To = server.To
	local.Cc = server.Cc
	local.Bcc = server.Bcc
	local.BodyHTML = server.BodyHTML
	local.BodyText = server.BodyText
	local.HasAttachments = server.HasAttachments
	local.Attachments = server.Attachments
	local.ThreadID = server.ThreadID
	if local.Timestamp == 0 {
		local.Timestamp = server.Timestamp
	}
}
