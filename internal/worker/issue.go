package worker

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/muco1999/xray-agent/internal/apierr"
	"github.com/muco1999/xray-agent/internal/capacity"
	"github.com/muco1999/xray-agent/internal/config"
	"github.com/muco1999/xray-agent/internal/linkbuilder"
	"github.com/muco1999/xray-agent/internal/notify"
	"github.com/muco1999/xray-agent/internal/proxyrpc"
)

// IssuePayload is the issue_client job body: mint a uuid, reserve capacity,
// add the user on the proxy, build the external link, and best-effort
// notify — all behind one idempotency key on (telegram_id, inbound_tag).
type IssuePayload struct {
	TelegramID string `json:"telegram_id"`
	Email      string `json:"email"`
	InboundTag string `json:"inbound_tag"`
	Flow       string `json:"flow,omitempty"`
	Level      uint32 `json:"level,omitempty"`
}

// IssuedClient is the "issued" portion of an IssueResult.
type IssuedClient struct {
	UUID          string `json:"uuid"`
	Email         string `json:"email"`
	InboundTag    string `json:"inbound_tag"`
	Link          string `json:"link"`
	AlreadyExists bool   `json:"already_exists"`
}

// IssueResult is the issue_client job's success result.
type IssueResult struct {
	Issued IssuedClient   `json:"issued"`
	Notify notify.Outcome `json:"notify"`
}

// IssueHandler wires the proxy adapter, the capacity limiter, the link
// builder, and the notifier into one job handler.
type IssueHandler struct {
	Proxy    *proxyrpc.Adapter
	Capacity *capacity.Limiter
	Link     config.LinkConfig
	Notifier *notify.Notifier
}

// Handle implements worker.HandlerFunc for KindIssueClient.
func (h *IssueHandler) Handle(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p IssuePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apierr.Internal("decode issue payload", err)
	}
	if p.Email == "" || p.InboundTag == "" {
		return nil, apierr.InvalidInput("email/inbound_tag", "both are required")
	}

	ok, _, err := h.Capacity.Reserve(ctx, p.InboundTag)
	if err != nil {
		return nil, apierr.RedisError("capacity reserve", err)
	}
	if !ok {
		return nil, apierr.CapacityExceeded(p.InboundTag, h.Capacity.Limit())
	}

	userUUID := uuid.NewString()

	outcome, err := h.Proxy.AddUser(ctx, userUUID, p.Email, p.InboundTag, p.Level, p.Flow)
	if err != nil {
		_ = h.Capacity.Release(ctx, p.InboundTag)
		return nil, err
	}

	link, err := linkbuilder.Build(h.Link, userUUID, p.Email, p.Flow)
	if err != nil {
		// The user now exists on the proxy even though we cannot hand back a
		// link; the capacity slot legitimately stays reserved.
		return nil, err
	}

	notifyOutcome := h.Notifier.Send(ctx, notify.Payload{
		UUID: userUUID, Email: p.Email, InboundTag: p.InboundTag, Link: link,
	})

	return IssueResult{
		Issued: IssuedClient{
			UUID:          userUUID,
			Email:         p.Email,
			InboundTag:    p.InboundTag,
			Link:          link,
			AlreadyExists: outcome.AlreadyExists,
		},
		Notify: notifyOutcome,
	}, nil
}
