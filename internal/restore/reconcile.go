package restore

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/muco1999/xray-agent/internal/logging"
)

// Reconciler periodically re-submits the last successful restore's item set
// against the current live email set, self-healing users dropped by a
// transient proxy restart without operator intervention.
type Reconciler struct {
	engine *Engine
	cron   *cron.Cron
	log    *logging.Logger

	mu         sync.Mutex
	lastByTag  map[string][]Item
}

// NewReconciler parses expr with cron's standard (5-field) parser, returning
// an error for a malformed expression so misconfiguration is caught at
// startup, not at first scheduled fire. An empty expr disables reconciliation
// entirely — Start becomes a no-op.
func NewReconciler(expr string, engine *Engine, log *logging.Logger) (*Reconciler, error) {
	r := &Reconciler{engine: engine, log: log, lastByTag: make(map[string][]Item)}
	if expr == "" {
		return r, nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return nil, err
	}
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(expr, r.tick); err != nil {
		return nil, err
	}
	return r, nil
}

// Remember records items as the most recent successful restore for tag, so
// a later reconciliation tick has something to resubmit.
func (r *Reconciler) Remember(tag string, items []Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]Item, len(items))
	copy(cp, items)
	r.lastByTag[tag] = cp
}

// Start begins the cron schedule, if one was configured. Safe to call on a
// disabled Reconciler (nil receiver schedule).
func (r *Reconciler) Start() {
	if r.cron != nil {
		r.cron.Start()
	}
}

// Stop halts the cron schedule and waits for any in-flight tick to finish.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

func (r *Reconciler) tick() {
	r.mu.Lock()
	snapshot := make(map[string][]Item, len(r.lastByTag))
	for tag, items := range r.lastByTag {
		cp := make([]Item, len(items))
		copy(cp, items)
		snapshot[tag] = cp
	}
	r.mu.Unlock()

	for tag, items := range snapshot {
		if len(items) == 0 {
			continue
		}
		res, err := r.engine.Run(context.Background(), Request{
			InboundTag: tag,
			Items:      items,
			Precheck:   true,
		})
		if err != nil {
			if r.log != nil {
				r.log.WithField("error", err).WithField("inbound_tag", tag).Warn("reconciliation restore failed")
			}
			continue
		}
		if r.log != nil {
			r.log.WithField("inbound_tag", tag).WithField("added", res.Added).WithField("exists", res.Exists).Info("reconciliation restore completed")
		}
	}
}
