package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"partyregistry/messaging"
	"partyregistry/partyimport"
	"partyregistry/tracking"
)

// Handler exposes the operator HTTP endpoints: login, import retry, and job
// progress.
type Handler struct {
	service *Service
	pool    *pgxpool.Pool
	queue   *messaging.Queue
	tracker tracking.Tracker
	log     *slog.Logger
}

func NewHandler(service *Service, pool *pgxpool.Pool, queue *messaging.Queue, tracker tracking.Tracker, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{service: service, pool: pool, queue: queue, tracker: tracker, log: log}
}

// Mount registers the endpoints on mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/login", h.login)
	mux.HandleFunc("POST /admin/operators", h.requireRole(RoleAdmin, h.createOperator))
	mux.HandleFunc("POST /admin/imports/{party_uuid}/retry", h.requireRole(RoleAdmin, h.retryImport))
	mux.HandleFunc("GET /admin/jobs/{job}", h.requireRole(RoleOperator, h.jobStatus))
}

func (h *Handler) createOperator(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	op, err := h.service.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		default:
			h.log.Error("create operator failed", "error", err)
			writeError(w, http.StatusBadRequest, "invalid request")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        op.ID,
		"email":     op.Email,
		"full_name": op.FullName,
		"role":      op.Role,
	})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := h.service.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.log.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     result.Token,
		"email":     result.Operator.Email,
		"full_name": result.Operator.FullName,
		"role":      result.Operator.Role,
	})
}

// retryImport enqueues a retry command for the party's import saga. The saga
// clears its accumulated data and refetches from scratch.
func (h *Handler) retryImport(w http.ResponseWriter, r *http.Request) {
	partyUUID, err := uuid.Parse(r.PathValue("party_uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed party uuid")
		return
	}

	cmd := partyimport.RetryImport{ID: uuid.New(), PartyUUID: partyUUID}
	if err := h.queue.Enqueue(r.Context(), h.pool, cmd); err != nil {
		h.log.Error("enqueue retry failed", "party_uuid", partyUUID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.log.Info("retry import requested", "party_uuid", partyUUID, "operator", operatorFrom(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]any{"party_uuid": partyUUID, "command_id": cmd.ID})
}

func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.tracker.GetStatus(r.Context(), r.PathValue("job"))
	if err != nil {
		h.log.Error("job status lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	body := map[string]any{
		"job_name":      status.JobName,
		"enqueued_max":  status.EnqueuedMax,
		"processed_max": status.ProcessedMax,
		"updated_at":    status.UpdatedAt,
	}
	if status.SourceMax != nil {
		body["source_max"] = *status.SourceMax
	}
	writeJSON(w, http.StatusOK, body)
}

type ctxKey int

const operatorKey ctxKey = 0

func operatorFrom(ctx context.Context) string {
	id, _ := ctx.Value(operatorKey).(string)
	return id
}

// requireRole authenticates the bearer token and enforces a minimum role.
// Admins pass every check.
func (h *Handler) requireRole(min Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		sess, err := h.service.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if min == RoleAdmin && sess.Role != RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), operatorKey, sess.OperatorID.String())))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
