package worker

import (
	"context"
	"encoding/json"

	"github.com/muco1999/xray-agent/internal/apierr"
	"github.com/muco1999/xray-agent/internal/proxyrpc"
)

// AddPayload is the add_client job body: a direct, capacity-agnostic add
// used by the queued variant of /xray/add_user and by administrative
// re-adds that should not count against the issue capacity ceiling.
type AddPayload struct {
	UUID       string `json:"uuid"`
	Email      string `json:"email"`
	InboundTag string `json:"inbound_tag"`
	Level      uint32 `json:"level,omitempty"`
	Flow       string `json:"flow,omitempty"`
}

// AddResult is the add_client job's success result.
type AddResult struct {
	UUID          string `json:"uuid"`
	Email         string `json:"email"`
	InboundTag    string `json:"inbound_tag"`
	AlreadyExists bool   `json:"already_exists"`
}

// AddHandler wraps a direct AddUser call with no capacity bookkeeping,
// matching the synchronous /xray/add_user endpoint's semantics.
type AddHandler struct {
	Proxy *proxyrpc.Adapter
}

// Handle implements worker.HandlerFunc for KindAddClient.
func (h *AddHandler) Handle(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p AddPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apierr.Internal("decode add payload", err)
	}
	if p.UUID == "" || p.Email == "" || p.InboundTag == "" {
		return nil, apierr.InvalidInput("uuid/email/inbound_tag", "all are required")
	}

	outcome, err := h.Proxy.AddUser(ctx, p.UUID, p.Email, p.InboundTag, p.Level, p.Flow)
	if err != nil {
		return nil, err
	}
	return AddResult{UUID: p.UUID, Email: p.Email, InboundTag: p.InboundTag, AlreadyExists: outcome.AlreadyExists}, nil
}
