// Command agent boots the control-plane agent: loads configuration, wires
// every collaborator package together, starts the HTTP surface, the worker
// runtime, and the guard loop, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/muco1999/xray-agent/internal/capacity"
	"github.com/muco1999/xray-agent/internal/config"
	"github.com/muco1999/xray-agent/internal/guard"
	"github.com/muco1999/xray-agent/internal/httpapi"
	"github.com/muco1999/xray-agent/internal/jobstore"
	"github.com/muco1999/xray-agent/internal/logging"
	"github.com/muco1999/xray-agent/internal/logparser"
	"github.com/muco1999/xray-agent/internal/metrics"
	"github.com/muco1999/xray-agent/internal/notify"
	"github.com/muco1999/xray-agent/internal/proxyrpc"
	"github.com/muco1999/xray-agent/internal/ratelimit"
	"github.com/muco1999/xray-agent/internal/restore"
	"github.com/muco1999/xray-agent/internal/statestore"
	"github.com/muco1999/xray-agent/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	m := metrics.New(cfg.Metrics.Namespace)

	ss, err := statestore.New(statestore.Options{URL: cfg.Redis.URL})
	if err != nil {
		log.WithField("error", err).Fatal("connect state store")
	}
	defer ss.Close()

	proxy := proxyrpc.New(
		cfg.Xray.APIAddr,
		time.Duration(cfg.Xray.CallTimeoutSec)*time.Second,
		time.Duration(cfg.Xray.ReadyWaitMillis)*time.Millisecond,
		log, m,
	)
	defer proxy.Close()

	jobs := jobstore.New(ss,
		time.Duration(cfg.Job.StatusTTLSec)*time.Second,
		time.Duration(cfg.Job.IdempotencyTTLSec)*time.Second,
	)

	capLimiter := capacity.New(ss, capacity.Policy{Limit: cfg.Capacity.Limit, TTLSec: cfg.Capacity.TTLSec})
	rateLimiter := ratelimit.New(ss)
	notifier := notify.New(cfg.Notify)

	parser := logparser.New(logparser.Config{
		AccessLogPath:   cfg.Xray.AccessLogPath,
		InboundTag:      cfg.Xray.InboundTag,
		WindowSec:       int64(cfg.LogParser.WindowSec),
		OnlineWindowSec: int64(cfg.LogParser.OnlineWindowSec),
		IPActiveTTLSec:  int64(cfg.LogParser.IPActiveTTLSec),
		DevicesLimit:    cfg.LogParser.DevicesLimit,
		TailMaxLines:    cfg.LogParser.TailMaxLines,
		CacheTTL:        time.Duration(cfg.LogParser.CacheTTLMillis) * time.Millisecond,
	})

	restoreEngine := restore.New(proxy)
	reconciler, err := restore.NewReconciler(cfg.Restore.ReconcileCron, restoreEngine, log)
	if err != nil {
		log.WithField("error", err).Fatal("invalid reconciliation cron expression")
	}
	reconciler.Start()
	defer reconciler.Stop()

	jobRuntime := worker.New(jobs, cfg.Job.WorkerConcurrency, time.Duration(cfg.Job.DequeueWaitSec)*time.Second, cfg.Logging.Level == "debug", m, log)
	jobRuntime.Handle(jobstore.KindIssueClient, (&worker.IssueHandler{
		Proxy: proxy, Capacity: capLimiter, Link: cfg.Link, Notifier: notifier,
	}).Handle)
	jobRuntime.Handle(jobstore.KindRemoveClient, (&worker.RemoveHandler{
		Proxy: proxy, Capacity: capLimiter, Jobs: jobs, Log: log,
	}).Handle)
	jobRuntime.Handle(jobstore.KindAddClient, (&worker.AddHandler{Proxy: proxy}).Handle)

	removeUser := func(ctx context.Context, email, tag string) error {
		_, err := proxy.RemoveUser(ctx, email, tag)
		return err
	}
	invalidateIdem := func(ctx context.Context, email, tag string) error {
		return jobs.InvalidateIssueIdempotency(ctx, email, tag)
	}
	var enqueueDisable guard.EnqueueDisableFunc
	if cfg.Guard.DisableViaQueue {
		enqueueDisable = func(ctx context.Context, job guard.DisableJob) (string, error) {
			return jobs.Enqueue(ctx, jobstore.KindRemoveClient, worker.RemovePayload{
				TelegramID: job.Email, Email: job.Email, InboundTag: job.InboundTag,
			})
		}
	}
	guardNotify := func(ctx context.Context, action guard.Action, tag, email string, details map[string]interface{}) {
		payload := map[string]interface{}{"action": action, "inbound_tag": tag, "email": email}
		for k, v := range details {
			payload[k] = v
		}
		log.WithFields(payload).Info("guard action")
	}

	guardLoop := guard.New(ss, parser, cfg.Guard, cfg.Xray.InboundTag, removeUser, invalidateIdem, enqueueDisable, guardNotify, m, log)

	api := &httpapi.API{
		Token:       cfg.Server.APIToken,
		Proxy:       proxy,
		Jobs:        jobs,
		RateLimiter: rateLimiter,
		Capacity:    capLimiter,
		LogParser:   parser,
		Restore:     restoreEngine,
		Reconciler:  reconciler,
		Metrics:     m,
		Log:         log,
		Link:        cfg.Link,
		AccessLog:   cfg.Xray.AccessLogPath,
		Debug:       cfg.Logging.Level == "debug",
	}
	router := httpapi.NewRouter(api)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		jobRuntime.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		guardLoop.Run(ctx)
	}()

	go func() {
		log.WithField("addr", srv.Addr).Info("agent listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Error("http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	cancel()
	wg.Wait()
	log.Info("agent stopped")
}


