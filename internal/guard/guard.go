// Package guard implements the abuse guard loop: periodic, idempotent
// surveillance that turns log-parser snapshots into a four-state policy
// (OK -> WARN -> GRACE -> BAN -> THANKS) per (inbound, email), driving
// remove-user RPCs with anti-spam cooldowns.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/muco1999/xray-agent/internal/config"
	"github.com/muco1999/xray-agent/internal/logging"
	"github.com/muco1999/xray-agent/internal/logparser"
	"github.com/muco1999/xray-agent/internal/metrics"
	"github.com/muco1999/xray-agent/internal/statestore"
)

// Action is one of the three notifications the loop may emit.
type Action string

const (
	ActionWarn   Action = "warn"
	ActionBan    Action = "ban"
	ActionThanks Action = "thanks"
)

// RemoveUserFunc removes email from tag on the proxy.
type RemoveUserFunc func(ctx context.Context, email, tag string) error

// InvalidateIdempotencyFunc clears the issue dedupe key for (email, tag) so
// a re-issue after a ban is not collapsed onto the stale job id.
type InvalidateIdempotencyFunc func(ctx context.Context, email, tag string) error

// EnqueueDisableFunc routes a ban through the ordinary job queue instead of
// calling RemoveUserFunc directly, when Config.DisableViaQueue is set.
type EnqueueDisableFunc func(ctx context.Context, job DisableJob) (jobID string, err error)

// NotifyFunc sends a best-effort notification for one policy action.
type NotifyFunc func(ctx context.Context, action Action, tag, email string, details map[string]interface{})

// DisableJob describes one ban handed to EnqueueDisableFunc when disabling
// is routed through the Worker Runtime instead of executed inline by the
// guard loop; the function decides what is actually put on the queue.
type DisableJob struct {
	InboundTag string `json:"inbound_tag"`
	Email      string `json:"email"`
	Reason     string `json:"reason"`
	Devices    int    `json:"devices"`
	Limit      int    `json:"limit"`
	CreatedAt  int64  `json:"created_at"`
}

// Loop owns the guard state machine.
type Loop struct {
	ss     *statestore.Client
	parser *logparser.Parser
	cfg    config.GuardConfig
	tag    string

	removeUser    RemoveUserFunc
	invalidateIdem InvalidateIdempotencyFunc
	enqueueDisable EnqueueDisableFunc
	notify        NotifyFunc

	metrics *metrics.Metrics
	log     *logging.Logger
	now     func() time.Time
}

// New builds a Loop. enqueueDisable may be nil when DisableViaQueue is false.
func New(
	ss *statestore.Client,
	parser *logparser.Parser,
	cfg config.GuardConfig,
	tag string,
	removeUser RemoveUserFunc,
	invalidateIdem InvalidateIdempotencyFunc,
	enqueueDisable EnqueueDisableFunc,
	notify NotifyFunc,
	m *metrics.Metrics,
	log *logging.Logger,
) *Loop {
	return &Loop{
		ss: ss, parser: parser, cfg: cfg, tag: tag,
		removeUser: removeUser, invalidateIdem: invalidateIdem,
		enqueueDisable: enqueueDisable, notify: notify,
		metrics: m, log: log, now: time.Now,
	}
}

// Run ticks every cfg.IntervalSec until ctx is cancelled. Each tick is
// independent: a failed tick logs and returns, so a missed tick costs at
// most one interval's delay on the next WARN/BAN.
func (l *Loop) Run(ctx context.Context) {
	interval := time.Duration(l.cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	start := l.now()
	defer func() {
		if l.metrics != nil {
			l.metrics.GuardTicksTotal.Inc()
			l.metrics.GuardTickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	snap, err := l.parser.Snapshot(ctx)
	if err != nil {
		if l.log != nil {
			l.log.WithField("error", err).Warn("guard tick: snapshot failed")
		}
		return
	}

	violators := make(map[string]logparser.ClientStatus)
	for _, c := range snap.Clients {
		if c.DevicesEstimate > l.deviceLimit() && c.LastSeenAgoSec <= int64(l.cfg.ActiveSeenSec) {
			violators[c.Email] = c
		}
	}
	if l.metrics != nil {
		l.metrics.GuardViolatorsGauge.Set(float64(len(violators)))
	}

	for email, status := range violators {
		l.evaluateViolator(ctx, email, status)
	}

	for _, c := range snap.Clients {
		if _, isViolator := violators[c.Email]; isViolator {
			continue
		}
		l.maybeSendThanks(ctx, c.Email)
	}
}

// deviceLimit is threaded through the snapshot's own config rather than
// duplicated here; callers construct the Parser with the same limit.
func (l *Loop) deviceLimit() int {
	return l.parser.DevicesLimit()
}

func guardKeys(tag, email string) (warn, ban, thanks, warnedAt string) {
	base := fmt.Sprintf("xray_guard:%s:%s", tag, email)
	return base + ":once:warn", base + ":once:ban", base + ":once:thanks", base + ":warned_at"
}

func (l *Loop) allowOnce(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := l.ss.SetNX(ctx, key, "1", ttl)
	if err != nil {
		return false
	}
	return ok
}

func (l *Loop) evaluateViolator(ctx context.Context, email string, status logparser.ClientStatus) {
	warnKey, banKey, _, warnedAtKey := guardKeys(l.tag, email)

	warnedAtRaw, err := l.ss.Get(ctx, warnedAtKey)
	if err != nil && !statestore.IsNil(err) {
		return
	}

	grace := time.Duration(l.cfg.BanGraceSec) * time.Second
	activeSeen := time.Duration(l.cfg.ActiveSeenSec) * time.Second
	warnCooldown := time.Duration(l.cfg.WarnCooldownSec) * time.Second
	disableCooldown := time.Duration(l.cfg.DisableCooldownSec) * time.Second

	if warnedAtRaw == "" {
		// OK -> WARN
		warnedAtTTL := maxDuration(warnCooldown, grace+activeSeen+30*time.Second)
		_ = l.ss.Set(ctx, warnedAtKey, formatEpoch(l.now()), warnedAtTTL)
		if l.allowOnce(ctx, warnKey, warnCooldown) {
			l.sendNotify(ctx, ActionWarn, email, status)
		}
		return
	}

	warnedAt, perr := parseEpoch(warnedAtRaw)
	if perr != nil {
		_ = l.ss.Del(ctx, warnedAtKey)
		return
	}

	elapsed := l.now().Sub(warnedAt)

	// Safety sweep: stale warned_at far beyond any legitimate window.
	if elapsed > grace+activeSeen+60*time.Second {
		_ = l.ss.Del(ctx, warnedAtKey)
		return
	}

	if elapsed < grace {
		// WARN, within grace: silent.
		return
	}

	// WARN, grace elapsed, still violating -> BAN.
	if !l.allowOnce(ctx, banKey, disableCooldown) {
		return
	}

	if err := l.disable(ctx, email, status); err != nil {
		if l.log != nil {
			l.log.WithField("error", err).WithField("email", email).Warn("guard: ban failed")
		}
		return
	}

	if l.invalidateIdem != nil {
		_ = l.invalidateIdem(ctx, email, l.tag)
	}
	_ = l.ss.Del(ctx, warnedAtKey)
	l.sendNotify(ctx, ActionBan, email, status)
}

func (l *Loop) disable(ctx context.Context, email string, status logparser.ClientStatus) error {
	if l.enqueueDisable != nil {
		_, err := l.enqueueDisable(ctx, DisableJob{
			InboundTag: l.tag,
			Email:      email,
			Reason:     "device_limit_exceeded",
			Devices:    status.DevicesEstimate,
			Limit:      l.deviceLimit(),
			CreatedAt:  l.now().Unix(),
		})
		return err
	}
	return l.removeUser(ctx, email, l.tag)
}

func (l *Loop) maybeSendThanks(ctx context.Context, email string) {
	_, _, thanksKey, warnedAtKey := guardKeys(l.tag, email)

	warnedAtRaw, err := l.ss.Get(ctx, warnedAtKey)
	if err != nil || warnedAtRaw == "" {
		return
	}

	_ = l.ss.Del(ctx, warnedAtKey)
	if l.allowOnce(ctx, thanksKey, 1800*time.Second) {
		l.sendNotify(ctx, ActionThanks, email, logparser.ClientStatus{Email: email})
	}
}

func (l *Loop) sendNotify(ctx context.Context, action Action, email string, status logparser.ClientStatus) {
	if l.metrics != nil {
		l.metrics.GuardActionsTotal.WithLabelValues(string(action)).Inc()
	}
	if l.notify == nil {
		return
	}
	if l.cfg.NotifyTimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(l.cfg.NotifyTimeoutSec)*time.Second)
		defer cancel()
	}
	l.notify(ctx, action, l.tag, email, map[string]interface{}{
		"devices_estimate": status.DevicesEstimate,
		"last_seen_ago_sec": status.LastSeenAgoSec,
	})
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func formatEpoch(t time.Time) string {
	return fmt.Sprintf("%d", t.Unix())
}

func parseEpoch(s string) (time.Time, error) {
	var sec int64
	if _, err := fmt.Sscanf(s, "%d", &sec); err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}
