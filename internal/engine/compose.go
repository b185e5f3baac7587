package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/apertura-studio/studiomail/internal/mail"
	"github.com/apertura-studio/studiomail/internal/mailapi"
)

// Send submits a message and records an optimistic copy in the sent
// folder. The emailId is generated client-side so the local record and
// the server's copy converge on the next sync.
func (e *Engine) Send(ctx context.Context, accountID string, msg *mailapi.OutgoingMessage) (*mail.EmailRecord, error) {
	return e.compose(ctx, accountID, msg, mail.FolderSent)
}

// SaveDraft stores a draft remotely and mirrors it into the local
// drafts folder. Re-saving with the same emailId overwrites the prior
// draft in place.
func (e *Engine) SaveDraft(ctx context.Context, accountID string, msg *mailapi.OutgoingMessage) (*mail.EmailRecord, error) {
	return e.compose(ctx, accountID, msg, mail.FolderDrafts)
}

func (e *Engine) compose(ctx context.Context, accountID string, msg *mailapi.OutgoingMessage, folder mail.Folder) (*mail.EmailRecord, error) {
	if accountID == "" {
		return nil, fmt.Errorf("empty accountID")
	}
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	if msg.EmailID == "" {
		msg.EmailID = uuid.NewString()
	}

	var remoteID string
	var err error
	if folder == mail.FolderDrafts {
		remoteID, err = e.client.SaveDraft(ctx, accountID, msg)
	} else {
		remoteID, err = e.client.SendMail(ctx, accountID, msg)
	}
	if err != nil {
		return nil, err
	}
	if remoteID != "" {
		msg.EmailID = remoteID
	}

	now := e.now()
	rec := &mail.EmailRecord{
		EmailID:     msg.EmailID,
		AccountID:   accountID,
		Folder:      folder,
		Timestamp:   now.UnixMilli(),
		Subject:     msg.Subject,
		FromAddress: msg.From,
		To:          append([]string(nil), msg.To...),
		Cc:          append([]string(nil), msg.Cc...),
		Bcc:         append([]string(nil), msg.Bcc...),
		BodyHTML:    msg.BodyHTML,
		BodyText:    msg.BodyText,
		ThreadID:    msg.ThreadID,
		Unread:      false,
		UpdatedAt:   now.UnixMilli(),
	}
	if rec.Subject == "" {
		rec.Subject = mail.NoSubject
	}

	e.mu.Lock()
	e.working[rec.Key()] = rec.Clone()
	e.mu.Unlock()

	if _, err := e.store.UpsertRecords(accountID, folder, []*mail.EmailRecord{rec}); err != nil {
		e.logger.Warn("store write-through failed", "emailId", rec.EmailID, "error", err)
	}
	return rec.Clone(), nil
}
