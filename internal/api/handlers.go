package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/apertura-studio/studiomail/internal/engine"
	"github.com/apertura-studio/studiomail/internal/mail"
	"github.com/apertura-studio/studiomail/internal/mailapi"
	"github.com/apertura-studio/studiomail/internal/scheduler"
)

// StatsResponse represents cache statistics.
type StatsResponse struct {
	TotalEmails   int64 `json:"total_emails"`
	TotalAccounts int64 `json:"total_accounts"`
	Tombstones    int64 `json:"tombstones"`
	SyncedFolders int64 `json:"synced_folders"`
	DatabaseSize  int64 `json:"database_size_bytes"`
}

// MessageSummary represents an email in list responses.
type MessageSummary struct {
	EmailID   string   `json:"email_id"`
	Folder    string   `json:"folder"`
	Subject   string   `json:"subject"`
	From      string   `json:"from"`
	FromName  string   `json:"from_name,omitempty"`
	To        []string `json:"to"`
	Timestamp int64    `json:"timestamp"`
	Unread    bool     `json:"unread"`
	Starred   bool     `json:"starred"`
	Archived  bool     `json:"archived"`
	HasAttach bool     `json:"has_attachments"`
	ThreadID  string   `json:"thread_id,omitempty"`
}

// FolderCounts represents one folder's totals.
type FolderCounts struct {
	Folder string `json:"folder"`
	Total  int64  `json:"total"`
	Unread int64  `json:"unread"`
}

// AccountInfo represents an account in list responses.
type AccountInfo struct {
	AccountID  string `json:"account_id"`
	Schedule   string `json:"schedule,omitempty"`
	Enabled    bool   `json:"enabled"`
	LastSyncAt string `json:"last_sync_at,omitempty"`
	NextSyncAt string `json:"next_sync_at,omitempty"`
}

// SchedulerStatusResponse represents scheduler status.
type SchedulerStatusResponse struct {
	Running  bool                      `json:"running"`
	Accounts []scheduler.AccountStatus `json:"accounts"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

func summarize(r *mail.EmailRecord) MessageSummary {
	return MessageSummary{
		EmailID:   r.EmailID,
		Folder:    string(r.Folder),
		Subject:   r.Subject,
		From:      r.FromAddress,
		FromName:  r.FromName,
		To:        r.To,
		Timestamp: r.Timestamp,
		Unread:    r.Unread,
		Starred:   r.Starred,
		Archived:  r.Archived,
		HasAttach: r.HasAttachments,
		ThreadID:  r.ThreadID,
	}
}

// handleStats returns cache statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		s.logger.Error("failed to get stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		TotalEmails:   stats.EmailCount,
		TotalAccounts: stats.AccountCount,
		Tombstones:    stats.TombstoneCount,
		SyncedFolders: stats.SyncedFolders,
		DatabaseSize:  stats.DatabaseSize,
	})
}

// handleFolderCounts returns per-folder totals for an account.
func (s *Server) handleFolderCounts(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	counts, err := s.engine.Counts(account)
	if err != nil {
		s.logger.Error("failed to count folders", "account", account, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to count folders")
		return
	}

	var out []FolderCounts
	for _, folder := range append(append([]mail.Folder(nil), mail.PhysicalFolders...), mail.FolderStarred, mail.FolderArchived) {
		c := counts[folder]
		out = append(out, FolderCounts{Folder: string(folder), Total: c.Total, Unread: c.Unread})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"folders": out})
}

// handleListFolder returns the cached view of one folder.
func (s *Server) handleListFolder(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	folder := mail.Folder(chi.URLParam(r, "folder"))
	if !folder.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_folder", "Unknown folder")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 200 {
		limit = 50
	}

	records, err := s.engine.List(account, folder, limit)
	if err != nil {
		s.logger.Error("failed to list folder", "account", account, "folder", folder, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list folder")
		return
	}

	summaries := make([]MessageSummary, len(records))
	for i, rec := range records {
		summaries[i] = summarize(rec)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"folder":   string(folder),
		"count":    len(summaries),
		"messages": summaries,
	})
}

// handleSyncFolder triggers a first-page sync of one folder.
func (s *Server) handleSyncFolder(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, r, s.engine.Sync)
}

// handleLoadMore fetches the next page of a folder.
func (s *Server) handleLoadMore(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, r, s.engine.LoadMore)
}

func (s *Server) runSync(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, accountID string, folder mail.Folder) (*engine.SyncOutcome, error)) {
	account := chi.URLParam(r, "account")
	folder := mail.Folder(chi.URLParam(r, "folder"))

	outcome, err := fn(r.Context(), account, folder)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	status := http.StatusOK
	if !outcome.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, outcome)
}

// handleMessageAction applies a flag or move mutation to one email.
func (s *Server) handleMessageAction(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	emailID := chi.URLParam(r, "id")

	var req struct {
		Action string `json:"action"`
		Folder string `json:"folder,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be JSON")
		return
	}

	mut, err := s.engine.Mutate(r.Context(), account, engine.Operation(req.Action), emailID, mail.Folder(req.Folder))
	if err != nil {
		writeError(w, http.StatusBadRequest, "mutation_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": summarize(mut.Record),
	})
}

// handleDeleteMessage moves one email to trash.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	emailID := chi.URLParam(r, "id")

	mut, err := s.engine.Mutate(r.Context(), account, engine.OpDelete, emailID, "")
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": summarize(mut.Record),
	})
}

// composeRequest is the body for send and draft endpoints.
type composeRequest struct {
	EmailID  string   `json:"email_id,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Cc       []string `json:"cc,omitempty"`
	Bcc      []string `json:"bcc,omitempty"`
	Subject  string   `json:"subject"`
	BodyHTML string   `json:"body_html,omitempty"`
	BodyText string   `json:"body_text,omitempty"`
	ThreadID string   `json:"thread_id,omitempty"`
}

func (c composeRequest) outgoing() *mailapi.OutgoingMessage {
	return &mailapi.OutgoingMessage{
		EmailID:  c.EmailID,
		From:     c.From,
		To:       c.To,
		Cc:       c.Cc,
		Bcc:      c.Bcc,
		Subject:  c.Subject,
		BodyHTML: c.BodyHTML,
		BodyText: c.BodyText,
		ThreadID: c.ThreadID,
	}
}

// handleSend submits a message for delivery.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	s.compose(w, r, s.engine.Send)
}

// handleSaveDraft stores a draft.
func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	s.compose(w, r, s.engine.SaveDraft)
}

func (s *Server) compose(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, accountID string, msg *mailapi.OutgoingMessage) (*mail.EmailRecord, error)) {
	account := chi.URLParam(r, "account")

	var req composeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}

	rec, err := fn(r.Context(), account, req.outgoing())
	if err != nil {
		writeError(w, http.StatusBadGateway, "remote_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, summarize(rec))
}

// handleListAccounts returns all configured accounts.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	var accounts []AccountInfo

	for _, acc := range s.cfg.Accounts {
		info := AccountInfo{
			AccountID: acc.AccountID,
			Schedule:  acc.Schedule,
			Enabled:   acc.Enabled,
		}

		for _, status := range s.scheduler.Status() {
			if status.AccountID == acc.AccountID {
				if !status.LastRun.IsZero() {
					info.LastSyncAt = status.LastRun.Format(time.RFC3339)
				}
				if !status.NextRun.IsZero() {
					info.NextSyncAt = status.NextRun.Format(time.RFC3339)
				}
				break
			}
		}

		accounts = append(accounts, info)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
	})
}

// handleTriggerSync manually triggers a scheduled sync for an account.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "missing_account", "Account is required")
		return
	}

	if err := s.scheduler.TriggerSync(account); err != nil {
		s.logger.Error("failed to trigger sync", "account", account, "error", err)
		writeError(w, http.StatusConflict, "sync_error", err.Error())
		return
	}

	s.logger.Info("sync triggered via API", "account", account)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "Sync started for " + account,
	})
}

// handleSchedulerStatus returns the scheduler status.
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SchedulerStatusResponse{
		Running:  s.scheduler.IsRunning(),
		Accounts: s.scheduler.Status(),
	})
}
