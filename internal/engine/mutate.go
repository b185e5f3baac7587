package engine

import (
	"context"
	"fmt"

	"github.com/apertura-studio/studiomail/internal/mail"
	"github.com/apertura-studio/studiomail/internal/mailapi"
)

// Operation is a flag or folder mutation applied optimistically.
type Operation string

const (
	OpStar       Operation = "star"
	OpUnstar     Operation = "unstar"
	OpMarkRead   Operation = "markRead"
	OpMarkUnread Operation = "markUnread"
	OpArchive    Operation = "archive"
	OpUnarchive  Operation = "unarchive"
	OpMove       Operation = "moveToFolder"
	OpDelete     Operation = "delete"
)

// Mutation is the result of one mutate call: the post-mutation record
// and an inverse closure. The caller owns the undo stack — its depth
// and expiry are not this package's concern.
type Mutation struct {
	Record *mail.EmailRecord
	Undo   func()
}

// Mutate applies an operation to one email: the in-memory record is
// updated synchronously, the local store is written through, and the
// remote API is notified best-effort in the background. A remote
// failure never rolls back the optimistic local state.
//
// target is only consulted for OpMove. Unknown emailIds error: there
// is no implicit insert.
func (e *Engine) Mutate(ctx context.Context, accountID string, op Operation, emailID string, target mail.Folder) (*Mutation, error) {
	if accountID == "" || emailID == "" {
		return nil, fmt.Errorf("empty accountID or emailID")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	patch, tombstone, err := planMutation(op, target)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	rec := e.localRecord(mail.Key{AccountID: accountID, EmailID: emailID})
	if rec == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("no record %s/%s", accountID, emailID)
	}

	prev := rec.Clone()
	patch.Apply(rec)
	rec.UpdatedAt = e.now().UnixMilli()
	result := rec.Clone()
	e.mu.Unlock()

	// Write-through to the local store; failure downgrades to a
	// warning, the in-memory state stands.
	if ok, err := e.store.UpdateFlags(accountID, emailID, patch); err != nil {
		e.logger.Warn("store write-through failed", "emailId", emailID, "error", err)
	} else if !ok {
		// Record exists in memory but not on disk (memory-only or
		// fresh fetch not yet flushed); persist it outright.
		if _, err := e.store.UpsertRecords(accountID, result.Folder, []*mail.EmailRecord{result}); err != nil {
			e.logger.Warn("store write-through failed", "emailId", emailID, "error", err)
		}
	}

	if tombstone != "" {
		t := &mail.Tombstone{
			AccountID:    accountID,
			EmailID:      emailID,
			Reason:       tombstone,
			TargetFolder: result.Folder,
			CreatedAt:    e.now(),
		}
		if err := e.store.PutTombstone(t); err != nil {
			e.logger.Warn("record tombstone failed", "emailId", emailID, "error", err)
		}
	}

	e.notifyRemote(accountID, emailID, op, target)

	undo := func() {
		e.mu.Lock()
		if cur, ok := e.working[prev.Key()]; ok {
			cur.Unread = prev.Unread
			cur.Starred = prev.Starred
			cur.Archived = prev.Archived
			cur.Folder = prev.Folder
			cur.UpdatedAt = e.now().UnixMilli()
		} else {
			e.working[prev.Key()] = prev.Clone()
		}
		e.mu.Unlock()

		inverse := mail.FlagPatch{
			Unread:   &prev.Unread,
			Starred:  &prev.Starred,
			Archived: &prev.Archived,
			Folder:   &prev.Folder,
		}
		if _, err := e.store.UpdateFlags(accountID, emailID, inverse); err != nil {
			e.logger.Warn("undo write-through failed", "emailId", emailID, "error", err)
		}
		if tombstone != "" {
			if err := e.store.DeleteTombstone(accountID, emailID); err != nil {
				e.logger.Warn("undo tombstone removal failed", "emailId", emailID, "error", err)
			}
		}
		e.notifyRemote(accountID, emailID, inverseOp(op), prev.Folder)
	}

	return &Mutation{Record: result, Undo: undo}, nil
}

// planMutation maps an operation to its flag patch and, for folder
// changes, the tombstone reason to record.
func planMutation(op Operation, target mail.Folder) (mail.FlagPatch, mail.TombstoneReason, error) {
	boolPtr := func(v bool) *bool { return &v }

	switch op {
	case OpStar:
		return mail.FlagPatch{Starred: boolPtr(true)}, "", nil
	case OpUnstar:
		return mail.FlagPatch{Starred: boolPtr(false)}, "", nil
	case OpMarkRead:
		return mail.FlagPatch{Unread: boolPtr(false)}, "", nil
	case OpMarkUnread:
		return mail.FlagPatch{Unread: boolPtr(true)}, "", nil
	case OpArchive:
		return mail.FlagPatch{Archived: boolPtr(true)}, "", nil
	case OpUnarchive:
		return mail.FlagPatch{Archived: boolPtr(false)}, "", nil
	case OpMove:
		if !target.Valid() || target.Virtual() {
			return mail.FlagPatch{}, "", fmt.Errorf("invalid move target %q", target)
		}
		f := target
		return mail.FlagPatch{Folder: &f}, mail.TombstoneMoved, nil
	case OpDelete:
		f := mail.FolderTrash
		return mail.FlagPatch{Folder: &f}, mail.TombstoneDeleted, nil
	default:
		return mail.FlagPatch{}, "", fmt.Errorf("unknown operation %q", op)
	}
}

// notifyRemote pushes a mutation to the remote API in the background.
// Failures are surfaced as warnings only; the optimistic local state
// is retained.
func (e *Engine) notifyRemote(accountID, emailID string, op Operation, target mail.Folder) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), remoteNotifyTimeout)
		defer cancel()

		var err error
		switch op {
		case OpDelete:
			err = e.client.DeleteMail(ctx, accountID, emailID)
		case OpMove:
			err = e.client.ManageMail(ctx, accountID, emailID, mailapi.ActionMove, target)
		case OpStar:
			err = e.client.ManageMail(ctx, accountID, emailID, mailapi.ActionStar, "")
		case OpUnstar:
			err = e.client.ManageMail(ctx, accountID, emailID, mailapi.ActionUnstar, "")
		case OpMarkRead:
			err = e.client.ManageMail(ctx, accountID, emailID, mailapi.ActionMarkRead, "")
		case OpMarkUnread:
			err = e.client.ManageMail(ctx, accountID, emailID, mailapi.ActionMarkUnread, "")
		case OpArchive:
			err = e.client.ManageMail(ctx, accountID, emailID, mailapi.ActionArchive, "")
		case OpUnarchive:
			err = e.client.ManageMail(ctx, accountID, emailID, mailapi.ActionUnarchive, "")
		}
		if err != nil {
			e.logger.Warn("remote mutation failed, local state retained",
				"emailId", emailID, "op", op, "error", err)
		}
	}()
}

// inverseOp returns the operation that reverses op. Delete and move
// both reverse to a move back to the prior folder.
func inverseOp(op Operation) Operation {
	switch op {
	case OpStar:
		return OpUnstar
	case OpUnstar:
		return OpStar
	case OpMarkRead:
		return OpMarkUnread
	case OpMarkUnread:
		return OpMarkRead
	case OpArchive:
		return OpUnarchive
	case OpUnarchive:
		return OpArchive
	default:
		return OpMove
	}
}
