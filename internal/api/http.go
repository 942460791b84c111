package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/internhub/trustledger/internal/logging"
	"github.com/internhub/trustledger/internal/protocol"
	"github.com/internhub/trustledger/internal/service"
)

const defaultMaxBodyBytes = 1 << 20

type Handler struct {
	service      *service.LedgerService
	auth         *Authorizer
	maxBodyBytes int64
}

func NewHandler(svc *service.LedgerService, auth *Authorizer, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{service: svc, auth: auth, maxBodyBytes: maxBodyBytes}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("POST /v1/ledger/events", h.auth.RequireCollaborator(http.HandlerFunc(h.handleAppend)))
	mux.Handle("GET /v1/subjects/{subject_type}/{subject_id}/profile", h.auth.RequireReader(http.HandlerFunc(h.handleProfile)))
	mux.Handle("GET /v1/subjects/{subject_type}/{subject_id}/events", h.auth.RequireReader(http.HandlerFunc(h.handleHistory)))
	mux.Handle("GET /v1/subjects/{subject_type}/{subject_id}/events/{sequence}/proof", h.auth.RequireReader(http.HandlerFunc(h.handleProof)))
	mux.Handle("GET /v1/subjects/{subject_type}/{subject_id}/integrity", h.auth.RequireReader(http.HandlerFunc(h.handleIntegrity)))
	mux.Handle("POST /v1/subjects/{subject_type}/{subject_id}/rebuild", h.auth.RequireCollaborator(http.HandlerFunc(h.handleRebuild)))
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.service.Health(r.Context())
	logging.AddField(r.Context(), "op", "health")
	logging.AddField(r.Context(), "storage_status", resp.Status)
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req protocol.AppendRequest
	if err := decodeJSONLimited(r, h.maxBodyBytes, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	// The authenticated collaborator is the only source of recorded_by.
	req.RecordedBy = collaboratorFrom(r.Context())
	logging.AddField(r.Context(), "op", "append_event")
	logging.AddField(r.Context(), "recorded_by", req.RecordedBy)
	logging.AddField(r.Context(), "subject_id", req.SubjectID)
	logging.AddField(r.Context(), "event_type", string(req.EventType))
	resp, err := h.service.Append(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "sequence", resp.Event.Sequence)
	logging.AddField(r.Context(), "tier", resp.Profile.CurrentTier)
	logging.AddField(r.Context(), "duplicate", resp.Duplicate)
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	subjectType, subjectID := subjectFromPath(r)
	logging.AddField(r.Context(), "op", "get_profile")
	logging.AddField(r.Context(), "subject_id", subjectID)
	resp, err := h.service.GetProfile(r.Context(), subjectType, subjectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "tier", resp.CurrentTier)
	logging.AddField(r.Context(), "sequence", resp.ComputedFromSequence)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	subjectType, subjectID := subjectFromPath(r)
	logging.AddField(r.Context(), "op", "get_history")
	logging.AddField(r.Context(), "subject_id", subjectID)
	after, err := queryInt(r, "after")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.service.GetHistory(r.Context(), subjectType, subjectID, after, int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "event_count", len(resp.Events))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	subjectType, subjectID := subjectFromPath(r)
	logging.AddField(r.Context(), "op", "verify_integrity")
	logging.AddField(r.Context(), "subject_id", subjectID)
	resp, err := h.service.VerifyIntegrity(r.Context(), subjectType, subjectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "valid", resp.Valid)
	logging.AddField(r.Context(), "event_count", resp.EventCount)
	if !resp.Valid {
		logging.AddField(r.Context(), "broken_at_index", resp.BrokenAtIndex)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	subjectType, subjectID := subjectFromPath(r)
	logging.AddField(r.Context(), "op", "rebuild_profile")
	logging.AddField(r.Context(), "subject_id", subjectID)
	resp, err := h.service.RebuildProfile(r.Context(), subjectType, subjectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "tier", resp.Profile.CurrentTier)
	logging.AddField(r.Context(), "cache_drifted", resp.CacheDrifted)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleProof(w http.ResponseWriter, r *http.Request) {
	subjectType, subjectID := subjectFromPath(r)
	logging.AddField(r.Context(), "op", "event_proof")
	logging.AddField(r.Context(), "subject_id", subjectID)
	sequence, err := strconv.ParseInt(r.PathValue("sequence"), 10, 64)
	if err != nil || sequence <= 0 {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", "invalid sequence", false, err))
		return
	}
	logging.AddField(r.Context(), "sequence", sequence)
	resp, err := h.service.EventProof(r.Context(), subjectType, subjectID, sequence)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", "INTERNAL_ERROR")
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      "INTERNAL_ERROR",
		Message:   "internal server error",
		Retryable: true,
	}})
}

func subjectFromPath(r *http.Request) (protocol.SubjectType, string) {
	return protocol.SubjectType(r.PathValue("subject_type")), strings.TrimSpace(r.PathValue("subject_id"))
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, service.NewAppError(http.StatusBadRequest, service.CodeValidationFailed, key+" must be an integer", false, err)
	}
	return v, nil
}

func decodeJSONLimited(r *http.Request, maxBodyBytes int64, out any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(limited)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
