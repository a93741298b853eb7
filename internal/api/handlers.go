package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agentdhq/agentd/internal/queue"
	"github.com/agentdhq/agentd/internal/task"
	"github.com/agentdhq/agentd/internal/token"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": "store unreachable"})
		return
	}
	if err := s.queue.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": "queue unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type taskListResponse struct {
	Tasks   []*task.Task `json:"tasks"`
	HasMore bool         `json:"has_more"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	f := task.Filter{
		OrgID: r.URL.Query().Get("org"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		if !task.Status(status).Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+status)
			return
		}
		f.Status = task.Status(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		f.Offset = n
	}

	tasks, hasMore, err := s.store.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list tasks", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, taskListResponse{Tasks: tasks, HasMore: hasMore})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("failed to get task", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskTranscript(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "transcripts not enabled")
		return
	}
	t, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	rec, err := s.archive.GetRun(t.OrgID, t.ID)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "no transcript for task")
			return
		}
		s.logger.Error("failed to read transcript", zap.String("task_id", t.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read transcript")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(rec.Transcript))
}

// handleCancelTask implements the three cancel shapes: queued tasks die
// immediately, running tasks get a cancel flag the worker polls, and
// terminal tasks answer 409.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	t, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	if t.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "task already "+string(t.Status))
		return
	}

	if t.Status == task.StatusQueued {
		err := s.store.Transition(ctx, id, []task.Status{task.StatusQueued}, task.StatusCancelled, map[string]any{
			"ended_at":   time.Now().UnixMilli(),
			"diagnostic": "cancelled via api",
		})
		if err == nil {
			_ = s.queue.Drop(ctx, id)
			if t.SourceKey != "" {
				_ = s.store.ReleaseSource(ctx, t.Provider, t.SourceKey, t.ID)
			}
			_ = s.queue.PublishTaskEvent(ctx, queue.StatusEvent(t, task.StatusCancelled, ""))
			s.logger.Info("task cancelled", zap.String("task_id", id))
			writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelled"})
			return
		}
		if !errors.Is(err, task.ErrConflict) {
			writeError(w, http.StatusInternalServerError, "failed to cancel task")
			return
		}
		// A worker leased it between our read and the CAS; fall through
		// to the cooperative path.
	}

	if err := s.store.RequestCancel(ctx, id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to request cancel")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "cancel-requested"})
}

type createTaskRequest struct {
	Provider string `json:"provider"`
	OrgID    string `json:"org_id"`
	Repo     string `json:"repo,omitempty"`
	CloneURL string `json:"clone_url,omitempty"`
	PRNumber int    `json:"pr_number,omitempty"`
	// IssueNumber anchors the result on a plain issue when there is no PR.
	IssueNumber int    `json:"issue_number,omitempty"`
	Command     string `json:"command"`
	Prompt      string `json:"prompt,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// handleCreateTask is the admin-only manual enqueue path.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if s.cfg.Provider(req.Provider) == nil {
		writeError(w, http.StatusBadRequest, "unknown provider "+req.Provider)
		return
	}
	if req.OrgID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "org_id and command are required")
		return
	}

	priority := task.PriorityForCommand(req.Command)
	if req.Priority != "" {
		priority = task.Priority(req.Priority)
		if !priority.Valid() {
			writeError(w, http.StatusBadRequest, "unknown priority "+req.Priority)
			return
		}
	}

	now := time.Now()
	t := &task.Task{
		ID:           task.NewID(),
		Provider:     req.Provider,
		OrgID:        req.OrgID,
		Repo:         req.Repo,
		CloneURL:     req.CloneURL,
		PRNumber:     req.PRNumber,
		IssueNumber:  req.IssueNumber,
		Command:      req.Command,
		Prompt:       req.Prompt,
		Priority:     priority,
		Status:       task.StatusQueued,
		MaxAttempts:  s.cfg.Queue.MaxAttempts,
		ScheduledFor: now,
		EnqueuedAt:   now,
	}
	if number := max(req.PRNumber, req.IssueNumber); req.Repo != "" && number > 0 {
		t.SourceKey = fmt.Sprintf("%s:%s/%s#%d:%s", req.Provider, req.OrgID, req.Repo, number, req.Command)
	}

	if t.SourceKey != "" {
		existing, claimed, err := s.store.ClaimSource(ctx, t.Provider, t.SourceKey, t.ID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		if !claimed {
			writeJSON(w, http.StatusConflict, map[string]string{"task_id": existing, "status": "already-active"})
			return
		}
	}

	if _, err := s.store.Create(ctx, t); err != nil {
		s.releaseSource(ctx, t)
		s.logger.Error("failed to create task", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if _, err := s.queue.Enqueue(ctx, t); err != nil {
		s.releaseSource(ctx, t)
		if errors.Is(err, queue.ErrTooBusy) {
			_ = s.store.Transition(ctx, t.ID, []task.Status{task.StatusQueued}, task.StatusCancelled,
				map[string]any{"diagnostic": "rejected: queue over capacity"})
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusTooManyRequests, "queue over capacity")
			return
		}
		s.logger.Error("failed to enqueue task", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	s.logger.Info("task created via api",
		zap.String("task_id", t.ID),
		zap.String("provider", t.Provider),
		zap.String("org", t.OrgID),
		zap.String("command", t.Command))
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": t.ID, "status": "queued"})
}

func (s *Server) releaseSource(ctx context.Context, t *task.Task) {
	if t.SourceKey != "" {
		_ = s.store.ReleaseSource(ctx, t.Provider, t.SourceKey, t.ID)
	}
}

func (s *Server) handleListInstallations(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, http.StatusNotFound, "installations not enabled")
		return
	}
	insts, err := s.tokens.Installations().List(r.Context())
	if err != nil {
		s.logger.Error("failed to list installations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list installations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"installations": insts})
}

type createInstallationRequest struct {
	Provider      string    `json:"provider"`
	OrgID         string    `json:"org_id"`
	ExternalID    string    `json:"external_id,omitempty"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	WebhookSecret string    `json:"webhook_secret,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	Scopes        []string  `json:"scopes,omitempty"`
	Replace       bool      `json:"replace,omitempty"`
}

func (s *Server) handleCreateInstallation(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, http.StatusNotFound, "installations not enabled")
		return
	}
	var req createInstallationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if s.cfg.Provider(req.Provider) == nil {
		writeError(w, http.StatusBadRequest, "unknown provider "+req.Provider)
		return
	}
	if req.OrgID == "" || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "org_id and access_token are required")
		return
	}

	inst, err := s.tokens.Register(r.Context(), token.CreateParams{
		Provider:      req.Provider,
		OrgID:         req.OrgID,
		ExternalID:    req.ExternalID,
		AccessToken:   req.AccessToken,
		RefreshToken:  req.RefreshToken,
		WebhookSecret: req.WebhookSecret,
		ExpiresAt:     req.ExpiresAt,
		Scopes:        req.Scopes,
		Replace:       req.Replace,
	})
	if err != nil {
		if errors.Is(err, token.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "active installation already exists")
			return
		}
		s.logger.Error("failed to register installation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register installation")
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleRevokeInstallation(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, http.StatusNotFound, "installations not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.tokens.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, token.ErrNoInstallation) {
			writeError(w, http.StatusNotFound, "installation not found")
			return
		}
		s.logger.Error("failed to revoke installation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to revoke installation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "revoked"})
}
