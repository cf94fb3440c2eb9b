// Package notify sends the best-effort outbound webhook after a successful
// issue. Failure here is recorded in the job result but never fails the
// job — the user has already been created on the proxy.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/muco1999/xray-agent/internal/config"
	"github.com/muco1999/xray-agent/internal/resilience"
)

// Payload is the issued-client notification body.
type Payload struct {
	UUID       string `json:"uuid"`
	Email      string `json:"email"`
	InboundTag string `json:"inbound_tag"`
	Link       string `json:"link"`
}

// Outcome records what happened, to be embedded in a job result — never an
// error the worker propagates.
type Outcome struct {
	Skipped    bool   `json:"skipped,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Notifier posts Payload to a configured URL with bounded retries.
type Notifier struct {
	cfg    config.NotifyConfig
	client *http.Client
}

// New builds a Notifier. An empty URL makes every Send a no-op Skipped
// outcome, so the feature is opt-in via configuration.
func New(cfg config.NotifyConfig) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
}

// Send posts the payload, retrying transient failures with bounded
// exponential backoff capped at 8s, then gives up silently.
func (n *Notifier) Send(ctx context.Context, p Payload) Outcome {
	if n.cfg.URL == "" {
		return Outcome{Skipped: true, Reason: "notify disabled"}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return Outcome{Reason: "encode failed: " + err.Error()}
	}

	overallCtx, cancel := context.WithTimeout(ctx, time.Duration(n.cfg.TimeoutSec)*time.Second)
	defer cancel()

	var statusCode int
	retryCfg := resilience.NotifyRetryConfig(maxInt(n.cfg.Retries, 1))
	err = resilience.Retry(overallCtx, retryCfg, func() error {
		req, rerr := http.NewRequestWithContext(overallCtx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
		if rerr != nil {
			return rerr
		}
		req.Header.Set("Content-Type", "application/json")
		if n.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+n.cfg.APIKey)
		}
		resp, rerr := n.client.Do(req)
		if rerr != nil {
			return rerr
		}
		defer resp.Body.Close()
		statusCode = resp.StatusCode
		if resp.StatusCode >= 500 {
			return errStatus(resp.StatusCode)
		}
		return nil
	})

	if err != nil {
		return Outcome{StatusCode: statusCode, Reason: err.Error()}
	}
	return Outcome{StatusCode: statusCode}
}

type statusError int

func (e statusError) Error() string { return "notify upstream returned server error" }

func errStatus(code int) error { return statusError(code) }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
