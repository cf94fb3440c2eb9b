package worker

import (
	"context"
	"encoding/json"

	"github.com/muco1999/xray-agent/internal/apierr"
	"github.com/muco1999/xray-agent/internal/capacity"
	"github.com/muco1999/xray-agent/internal/jobstore"
	"github.com/muco1999/xray-agent/internal/logging"
	"github.com/muco1999/xray-agent/internal/proxyrpc"
)

// RemovePayload is the remove_client job body.
type RemovePayload struct {
	TelegramID string `json:"telegram_id"`
	Email      string `json:"email"`
	InboundTag string `json:"inbound_tag"`
}

// RemoveResult is the remove_client job's success result.
type RemoveResult struct {
	Email      string `json:"email"`
	InboundTag string `json:"inbound_tag"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// RemoveHandler releases the capacity slot whenever a remove actually took
// effect, and invalidates the issue idempotency key on every successful
// outcome (a skipped "user not found" included), so a subsequent re-issue is
// never silently deduped onto the removed user's old job.
type RemoveHandler struct {
	Proxy    *proxyrpc.Adapter
	Capacity *capacity.Limiter
	Jobs     *jobstore.Store
	Log      *logging.Logger
}

// Handle implements worker.HandlerFunc for KindRemoveClient.
func (h *RemoveHandler) Handle(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p RemovePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apierr.Internal("decode remove payload", err)
	}
	if p.Email == "" || p.InboundTag == "" {
		return nil, apierr.InvalidInput("email/inbound_tag", "both are required")
	}

	outcome, err := h.Proxy.RemoveUser(ctx, p.Email, p.InboundTag)
	if err != nil {
		return nil, err
	}

	if !outcome.Skipped {
		if err := h.Capacity.Release(ctx, p.InboundTag); err != nil && h.Log != nil {
			h.Log.WithField("error", err).WithField("email", p.Email).Warn("capacity release failed")
		}
	}

	// Jobs enqueued without a telegram id (older callers) still
	// need the dedupe key cleared under the id the issue path actually used
	// for it, which is the email itself when no telegram id was supplied.
	telegramID := p.TelegramID
	if telegramID == "" {
		telegramID = p.Email
	}
	if err := h.Jobs.InvalidateIssueIdempotency(ctx, telegramID, p.InboundTag); err != nil && h.Log != nil {
		h.Log.WithField("error", err).WithField("email", p.Email).Warn("idempotency invalidate failed")
	}

	return RemoveResult{
		Email:      p.Email,
		InboundTag: p.InboundTag,
		Skipped:    outcome.Skipped,
		Reason:     outcome.Reason,
	}, nil
}
