package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/models"
	"github.com/kimhsiao/shelfsync/internal/sync"
	"github.com/kimhsiao/shelfsync/internal/sync/conflict"
	"github.com/kimhsiao/shelfsync/internal/sync/retry"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Code  errors.ErrorCode `json:"code"`
	Error retry.UserError  `json:"error"`
}

// statusForCode maps error codes onto HTTP status codes. Remote failures are
// reported as gateway errors since this server only fronts the engine.
func statusForCode(code errors.ErrorCode) int {
	switch code {
	case errors.ErrValidation, errors.ErrUnknownStrategy:
		return http.StatusBadRequest
	case errors.ErrNotFound, errors.ErrRemoteNotFound:
		return http.StatusNotFound
	case errors.ErrSyncInProgress:
		return http.StatusConflict
	case errors.ErrSyncNotConfigured:
		return http.StatusPreconditionFailed
	case errors.ErrQuotaExceeded:
		return http.StatusInsufficientStorage
	case errors.ErrSyncTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrUnauthorized, errors.ErrAccessDenied, errors.ErrRateLimited,
		errors.ErrServiceUnavailable, errors.ErrNetwork, errors.ErrSyncFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	s.writeJSON(w, statusForCode(code), errorResponse{
		Code:  code,
		Error: retry.FormatErrorForUser(err),
	})
}

func (s *Server) writeResult(w http.ResponseWriter, result *sync.SyncResult, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusOK
	if result.Queued {
		code = http.StatusAccepted
	}
	s.writeJSON(w, code, result)
}

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "shelfsync",
		"version": s.version,
	})
}

// handleStatus handles GET /api/sync/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.GetSyncStatus())
}

// handleSync handles POST /api/sync?force=true
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var opts sync.SyncOptions
	if v := r.URL.Query().Get("force"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, errors.Wrap(errors.ErrValidation, "invalid force parameter", err))
			return
		}
		opts.Force = force
	}
	result, err := s.engine.Sync(r.Context(), opts)
	s.writeResult(w, result, err)
}

// handlePush handles POST /api/sync/push
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Push(r.Context())
	s.writeResult(w, result, err)
}

// handlePull handles POST /api/sync/pull
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Pull(r.Context())
	s.writeResult(w, result, err)
}

// handleResolve handles POST /api/sync/resolve {"strategy": "keep-local"}
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	strategy, err := conflict.ParseStrategy(req.Strategy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.engine.ResolveConflict(r.Context(), strategy)
	s.writeResult(w, result, err)
}

// handleProcessQueue handles POST /api/sync/queue/process
func (s *Server) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.ProcessOfflineQueue(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleForeground handles POST /api/sync/foreground
func (s *Server) handleForeground(w http.ResponseWriter, r *http.Request) {
	// The deferred sync outlives the request.
	s.engine.NotifyForeground(context.WithoutCancel(r.Context()))
	w.WriteHeader(http.StatusAccepted)
}

// handleNetwork handles PUT /api/network {"online": true}
func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Online == nil {
		s.writeError(w, errors.New(errors.ErrValidation, "online is required"))
		return
	}
	s.engine.SetOnline(context.WithoutCancel(r.Context()), *req.Online)
	s.writeJSON(w, http.StatusOK, s.engine.GetSyncStatus())
}

// handleAutoSync handles POST /api/autosync/{start|stop}
func (s *Server) handleAutoSync(w http.ResponseWriter, r *http.Request) {
	var changed bool
	switch chi.URLParam(r, "action") {
	case "start":
		changed = s.engine.StartAutoSync()
	case "stop":
		changed = s.engine.StopAutoSync()
	default:
		s.writeError(w, errors.Newf(errors.ErrNotFound, "unknown autosync action %q", chi.URLParam(r, "action")))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// handleGetCollection handles GET /api/collection
func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.LoadCollection()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if snap == nil {
		s.writeError(w, errors.New(errors.ErrNotFound, "no local collection"))
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleSaveCollection handles PUT /api/collection
//
// The body is {"items": [...], "changedIds": [...]}. Metadata is always
// recomputed by the store.
func (s *Server) handleSaveCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items      []models.Item `json:"items"`
		ChangedIDs []string      `json:"changedIds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	saved, err := s.engine.SaveCollection(r.Context(), &models.CollectionSnapshot{Items: req.Items}, req.ChangedIDs...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}
