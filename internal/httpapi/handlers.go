package httpapi

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/muco1999/xray-agent/internal/apierr"
	"github.com/muco1999/xray-agent/internal/jobstore"
	"github.com/muco1999/xray-agent/internal/restore"
	"github.com/muco1999/xray-agent/internal/worker"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	se, ok := apierr.As(err)
	if !ok {
		se = apierr.Internal("unexpected error", err)
	}
	writeJSON(w, se.HTTPStatus, errorEnvelope{Error: errorBody{
		Code:      string(se.Code),
		Message:   se.Message,
		RequestID: RequestID(r.Context()),
		Details:   se.Details,
	}})
}

func (api *API) handleHealthFull(w http.ResponseWriter, r *http.Request) {
	status := api.Proxy.RuntimeStatus(r.Context())
	if !status.Reachable {
		writeError(w, r, apierr.XrayUnavailable("proxy control port unreachable"))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (api *API) handleHealthLogfile(w http.ResponseWriter, r *http.Request) {
	if _, err := os.Stat(api.AccessLog); err != nil {
		writeError(w, r, apierr.XrayUnavailable("access log unreadable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (api *API) handleXrayStatus(w http.ResponseWriter, r *http.Request) {
	status := api.Proxy.RuntimeStatus(r.Context())
	writeJSON(w, http.StatusOK, status)
}

func (api *API) handleStatusClients(w http.ResponseWriter, r *http.Request) {
	snap, err := api.LogParser.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (api *API) handleUsersCount(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]
	count, err := api.Proxy.CountUsers(r.Context(), tag)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"result": count})
}

func (api *API) handleEmails(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]
	users, err := api.Proxy.ListUsers(r.Context(), tag)
	if err != nil {
		writeError(w, r, err)
		return
	}
	emails := make([]string, 0, len(users))
	for _, u := range users {
		emails = append(emails, u.Email)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"result": emails})
}

type issueRequest struct {
	TelegramID string `json:"telegram_id"`
	InboundTag string `json:"inbound_tag"`
	Level      uint32 `json:"level,omitempty"`
	Flow       string `json:"flow,omitempty"`
}

func (api *API) handleClientsIssue(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("async") != "true" {
		writeError(w, r, apierr.SyncDisabled("clients_issue"))
		return
	}

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierr.InvalidInput("body", "invalid JSON"))
		return
	}
	if req.TelegramID == "" || req.InboundTag == "" {
		writeError(w, r, apierr.InvalidInput("telegram_id/inbound_tag", "both are required"))
		return
	}

	payload := worker.IssuePayload{
		TelegramID: req.TelegramID,
		Email:      req.TelegramID,
		InboundTag: req.InboundTag,
		Level:      req.Level,
		Flow:       req.Flow,
	}
	jobID, deduped, err := api.Jobs.EnqueueIssue(r.Context(), req.TelegramID, req.InboundTag, payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job_id": jobID, "deduped": deduped})
}

func (api *API) handleClientsDelete(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]
	tag := r.URL.Query().Get("inbound_tag")
	if tag == "" {
		writeError(w, r, apierr.InvalidInput("inbound_tag", "required query parameter"))
		return
	}

	payload := worker.RemovePayload{TelegramID: email, Email: email, InboundTag: tag}

	if r.URL.Query().Get("async") == "true" {
		jobID, err := api.Jobs.Enqueue(r.Context(), jobstore.KindRemoveClient, payload)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
		return
	}

	outcome, err := api.Proxy.RemoveUser(r.Context(), email, tag)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !outcome.Skipped {
		_ = api.Capacity.Release(r.Context(), tag)
	}
	_ = api.Jobs.InvalidateIssueIdempotency(r.Context(), email, tag)
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": outcome})
}

type restoreRequest struct {
	InboundTag  string          `json:"inbound_tag"`
	Items       []restore.Item  `json:"items"`
	Precheck    *bool           `json:"precheck,omitempty"`
	Concurrency int             `json:"concurrency,omitempty"`
	DelayMs     int             `json:"delay_ms,omitempty"`
	TimeoutSec  int             `json:"timeout_sec,omitempty"`
}

func (api *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierr.InvalidInput("body", "invalid JSON"))
		return
	}
	if req.InboundTag == "" {
		writeError(w, r, apierr.InvalidInput("inbound_tag", "required"))
		return
	}
	precheck := true
	if req.Precheck != nil {
		precheck = *req.Precheck
	}

	result, err := api.Restore.Run(r.Context(), restore.Request{
		InboundTag:  req.InboundTag,
		Items:       req.Items,
		Precheck:    precheck,
		Concurrency: req.Concurrency,
		DelayMs:     req.DelayMs,
		TimeoutSec:  req.TimeoutSec,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if api.Reconciler != nil {
		api.Reconciler.Remember(req.InboundTag, req.Items)
	}
	writeJSON(w, http.StatusOK, result)
}

type addUserRequest struct {
	UUID       string `json:"uuid"`
	Email      string `json:"email"`
	InboundTag string `json:"inbound_tag"`
	Level      uint32 `json:"level,omitempty"`
	Flow       string `json:"flow,omitempty"`
}

func (api *API) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req addUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierr.InvalidInput("body", "invalid JSON"))
		return
	}
	if req.UUID == "" || req.Email == "" || req.InboundTag == "" {
		writeError(w, r, apierr.InvalidInput("uuid/email/inbound_tag", "all are required"))
		return
	}

	if r.URL.Query().Get("async") == "true" {
		jobID, err := api.Jobs.Enqueue(r.Context(), jobstore.KindAddClient, worker.AddPayload{
			UUID: req.UUID, Email: req.Email, InboundTag: req.InboundTag, Level: req.Level, Flow: req.Flow,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
		return
	}

	outcome, err := api.Proxy.AddUser(r.Context(), req.UUID, req.Email, req.InboundTag, req.Level, req.Flow)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": outcome})
}

func (api *API) handleJobGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["job_id"]
	doc, err := api.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if doc.State == jobstore.StateNotFound {
		writeError(w, r, apierr.JobNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
