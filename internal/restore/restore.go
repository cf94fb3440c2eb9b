// Package restore implements the bulk restore engine: a bounded
// producer/consumer pipeline over a buffered channel that (re-)adds many
// users to one inbound in one request, classifying each outcome.
package restore

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/muco1999/xray-agent/internal/apierr"
	"github.com/muco1999/xray-agent/internal/proxyrpc"
)

// Item is one user to restore.
type Item struct {
	Email string `json:"email"`
	UUID  string `json:"uuid"`
	Level uint32 `json:"level,omitempty"`
	Flow  string `json:"flow,omitempty"`
}

// Request parametrizes one restore run.
type Request struct {
	InboundTag  string
	Items       []Item
	Precheck    bool
	Concurrency int
	DelayMs     int
	TimeoutSec  int
}

// Result is the restore run's tally, matching the agent's external
// interface for both the synchronous HTTP response and the scheduled
// reconciliation's internal bookkeeping.
type Result struct {
	Total        int      `json:"total"`
	BeforeCount  *int64   `json:"before_count"`
	AfterCount   *int64   `json:"after_count"`
	Exists       int      `json:"exists"`
	Added        int      `json:"added"`
	Skipped      int      `json:"skipped"`
	Errors       int      `json:"errors"`
	DurationMs   int64    `json:"duration_ms"`
	ErrorSamples []string `json:"error_samples"`
}

const maxErrorSamples = 20

// Engine runs restore requests against one proxy adapter.
type Engine struct {
	proxy *proxyrpc.Adapter
}

// New builds an Engine.
func New(proxy *proxyrpc.Adapter) *Engine {
	return &Engine{proxy: proxy}
}

// Run executes one restore request to completion or until ctx/timeout_sec
// elapses, in which case it returns apierr.New(..., 504) and the partial
// tally is discarded by the caller, per the agent's documented behavior.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = 20
	}
	if concurrency > 100 {
		concurrency = 100
	}

	if req.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSec)*time.Second)
		defer cancel()
	}

	var beforeCount *int64
	if n, err := e.proxy.CountUsers(ctx, req.InboundTag); err == nil {
		beforeCount = &n
	}

	dedup := make(map[string]Item, len(req.Items))
	skippedDup := 0
	order := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		key := normalizeEmail(it.Email) + "|" + strings.ToLower(strings.TrimSpace(it.UUID))
		if _, seen := dedup[key]; seen {
			skippedDup++
			continue
		}
		dedup[key] = it
		order = append(order, key)
	}

	existsSet := make(map[string]bool)
	if req.Precheck {
		emails, err := e.proxy.ListUsers(ctx, req.InboundTag)
		if err != nil {
			return nil, apierr.UpstreamError("restore_precheck", err)
		}
		for _, u := range emails {
			existsSet[normalizeEmail(u.Email)] = true
		}
	}

	var toAdd []Item
	exists := 0
	for _, key := range order {
		it := dedup[key]
		if req.Precheck && existsSet[normalizeEmail(it.Email)] {
			exists++
			continue
		}
		toAdd = append(toAdd, it)
	}

	res := &Result{
		Total:       len(order),
		BeforeCount: beforeCount,
		Exists:      exists,
		Skipped:     skippedDup,
	}

	var mu sync.Mutex
	chanCap := 4 * concurrency
	if chanCap < 8 {
		chanCap = 8
	}
	items := make(chan Item, chanCap)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range items {
				e.processItem(ctx, req.InboundTag, it, res, &mu)
				if req.DelayMs > 0 {
					select {
					case <-ctx.Done():
					case <-time.After(time.Duration(req.DelayMs) * time.Millisecond):
					}
				}
			}
		}()
	}

	go func() {
		defer close(items)
		for _, it := range toAdd {
			select {
			case <-ctx.Done():
				return
			case items <- it:
			}
		}
	}()

	wg.Wait()

	if after, err := e.proxy.CountUsers(ctx, req.InboundTag); err == nil {
		res.AfterCount = &after
	}
	res.DurationMs = time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		return nil, apierr.New(apierr.CodeUpstreamError, "restore timed out", http.StatusGatewayTimeout).
			WithDetails("partial_added", res.Added).
			WithDetails("partial_errors", res.Errors)
	}

	return res, nil
}

func (e *Engine) processItem(ctx context.Context, tag string, it Item, res *Result, mu *sync.Mutex) {
	outcome, err := e.proxy.AddUser(ctx, it.UUID, it.Email, tag, it.Level, it.Flow)

	mu.Lock()
	defer mu.Unlock()

	if err != nil {
		res.Errors++
		if len(res.ErrorSamples) < maxErrorSamples {
			res.ErrorSamples = append(res.ErrorSamples, it.Email+": "+apierr.Truncate(err.Error(), 200))
		}
		return
	}
	if outcome.AlreadyExists {
		res.Skipped++
		return
	}
	res.Added++
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
