// Package proxyrpc is the Proxy RPC Adapter: the one place in the agent
// that dials xray-core's control-plane gRPC service and translates its
// generated message types into the agent's own User/error vocabulary.
package proxyrpc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	hcommand "github.com/xtls/xray-core/app/proxyman/command"
	scommand "github.com/xtls/xray-core/app/stats/command"
	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/vless"

	"github.com/muco1999/xray-agent/internal/apierr"
	"github.com/muco1999/xray-agent/internal/logging"
	"github.com/muco1999/xray-agent/internal/metrics"
	"github.com/muco1999/xray-agent/internal/resilience"
)

// User is the agent's decoded view of a proxy-side account; UUID is
// best-effort (a corrupted nested payload yields an empty string, not a
// failed listing).
type User struct {
	Email string
	UUID  string
}

// AddOutcome reports whether an add was a fresh creation or an idempotent
// no-op because the user already existed.
type AddOutcome struct {
	AlreadyExists bool
}

// RemoveOutcome reports whether a remove actually removed a user or was a
// no-op because the user was already gone.
type RemoveOutcome struct {
	Skipped bool
	Reason  string
}

// RuntimeStatusResult is the liveness/health view of the proxy connection.
type RuntimeStatusResult struct {
	APIAddr    string           `json:"api_addr"`
	PortOpen   bool             `json:"port_open"`
	Reachable  bool             `json:"reachable"`
	SysStats   map[string]int64 `json:"sys_stats,omitempty"`
	StatsError string           `json:"stats_error,omitempty"`
}

// Adapter owns the single shared connection to the proxy's control
// endpoint and classifies its errors into semantic outcomes.
type Adapter struct {
	mu   sync.Mutex
	addr string

	conn    *grpc.ClientConn
	handler hcommand.HandlerServiceClient
	stats   scommand.StatsServiceClient

	callTimeout time.Duration
	readyWait   time.Duration

	breaker *resilience.CircuitBreaker
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New constructs an Adapter. The connection is dialed lazily on first use,
// not here, so constructing an Adapter never blocks or fails on a
// not-yet-ready proxy.
func New(addr string, callTimeout, readyWait time.Duration, log *logging.Logger, m *metrics.Metrics) *Adapter {
	return &Adapter{
		addr:        addr,
		callTimeout: callTimeout,
		readyWait:   readyWait,
		breaker:     resilience.New(resilience.DefaultConfig()),
		log:         log,
		metrics:     m,
	}
}

// Close tears down the shared connection, if any.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		return err
	}
	return nil
}

// ensureReady dials the connection if absent, then waits up to readyWait
// for it to report Ready; on timeout it tears down and rebuilds once,
// matching the connection discipline in the adapter's design: a short
// wait, one rebuild-and-retry, then a transient error.
func (a *Adapter) ensureReady(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		if err := a.dialLocked(); err != nil {
			return err
		}
	}

	if a.waitReadyLocked(ctx) {
		return nil
	}

	// One rebuild-and-retry.
	_ = a.conn.Close()
	a.conn = nil
	if err := a.dialLocked(); err != nil {
		return err
	}
	if a.waitReadyLocked(ctx) {
		return nil
	}
	return apierr.UpstreamError("ensure_ready", fmt.Errorf("proxy control connection not ready after rebuild"))
}

func (a *Adapter) dialLocked() error {
	conn, err := grpc.Dial(a.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		// Long keepalive interval avoids tripping the proxy's own idle-ping
		// rate limiting; this connection is otherwise busy only on demand.
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                2 * time.Minute,
			Timeout:             20 * time.Second,
			PermitWithoutStream: false,
		}),
	)
	if err != nil {
		return apierr.UpstreamError("dial", err)
	}
	a.conn = conn
	a.handler = hcommand.NewHandlerServiceClient(conn)
	a.stats = scommand.NewStatsServiceClient(conn)
	return nil
}

func (a *Adapter) waitReadyLocked(ctx context.Context) bool {
	deadline := time.Now().Add(a.readyWait)
	state := a.conn.GetState()
	if state == connectivity.Ready {
		return true
	}
	a.conn.Connect()
	for time.Now().Before(deadline) {
		waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		changed := a.conn.WaitForStateChange(waitCtx, state)
		cancel()
		state = a.conn.GetState()
		if state == connectivity.Ready {
			return true
		}
		if !changed {
			continue
		}
	}
	return a.conn.GetState() == connectivity.Ready
}

func (a *Adapter) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.callTimeout)
}

// AddUser adds tag/email/uuid to the proxy's inbound. AlreadyExists is
// surfaced as a successful, idempotent outcome, not an error.
func (a *Adapter) AddUser(ctx context.Context, uuidStr, email, tag string, level uint32, flow string) (AddOutcome, error) {
	if err := a.ensureReady(ctx); err != nil {
		return AddOutcome{}, err
	}

	account := &vless.Account{Id: uuidStr, Flow: flow}
	typedAccount := serial.ToTypedMessage(account)

	user := &protocol.User{
		Level:   level,
		Email:   email,
		Account: typedAccount,
	}

	op := serial.ToTypedMessage(&hcommand.AddUserOperation{User: user})

	callCtx, cancel := a.callCtx(ctx)
	defer cancel()

	err := a.breaker.Execute(callCtx, func() error {
		_, cerr := a.handler.AlterInbound(callCtx, &hcommand.AlterInboundRequest{
			Tag:       tag,
			Operation: op,
		})
		return cerr
	})

	a.recordRPC("add_user", err)

	if err == nil {
		return AddOutcome{AlreadyExists: false}, nil
	}
	if isAlreadyExists(err) {
		if st, ok := status.FromError(err); (!ok || st.Code() != codes.AlreadyExists) && a.log != nil {
			a.log.WithField("operation", "add_user").Debug("already-exists matched by message text, not status code")
		}
		return AddOutcome{AlreadyExists: true}, nil
	}
	return AddOutcome{}, apierr.UpstreamError("add_user", err).
		WithDetails("inbound_tag", tag).WithDetails("email", logging.MaskEmail(email))
}

// RemoveUser removes email from tag. NotFound is surfaced as a skipped
// success, not an error.
func (a *Adapter) RemoveUser(ctx context.Context, email, tag string) (RemoveOutcome, error) {
	if err := a.ensureReady(ctx); err != nil {
		return RemoveOutcome{}, err
	}

	op := serial.ToTypedMessage(&hcommand.RemoveUserOperation{Email: email})

	callCtx, cancel := a.callCtx(ctx)
	defer cancel()

	err := a.breaker.Execute(callCtx, func() error {
		_, cerr := a.handler.AlterInbound(callCtx, &hcommand.AlterInboundRequest{
			Tag:       tag,
			Operation: op,
		})
		return cerr
	})

	a.recordRPC("remove_user", err)

	if err == nil {
		return RemoveOutcome{}, nil
	}
	if isNotFoundUser(err) {
		return RemoveOutcome{Skipped: true, Reason: "user not found"}, nil
	}
	return RemoveOutcome{}, apierr.UpstreamError("remove_user", err).
		WithDetails("inbound_tag", tag).WithDetails("email", logging.MaskEmail(email))
}

// ListUsers streams the current user set for tag, best-effort decoding
// each user's nested account payload for its UUID.
func (a *Adapter) ListUsers(ctx context.Context, tag string) ([]User, error) {
	if err := a.ensureReady(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := a.callCtx(ctx)
	defer cancel()

	stream, err := a.handler.GetInboundUsers(callCtx, &hcommand.GetInboundUserRequest{Tag: tag})
	a.recordRPC("list_users", err)
	if err != nil {
		return nil, apierr.UpstreamError("list_users", err).WithDetails("inbound_tag", tag)
	}

	var out []User
	for {
		resp, rerr := stream.Recv()
		if rerr != nil {
			break
		}
		for _, u := range resp.GetUsers() {
			out = append(out, User{Email: u.GetEmail(), UUID: decodeUUIDBestEffort(u)})
		}
	}
	return out, nil
}

// CountUsers returns the number of users on tag. The generated response
// type already carries the count as an int64 field, so callers always get a
// strict int64 and no string coercion is performed here.
func (a *Adapter) CountUsers(ctx context.Context, tag string) (int64, error) {
	if err := a.ensureReady(ctx); err != nil {
		return 0, err
	}

	callCtx, cancel := a.callCtx(ctx)
	defer cancel()

	var count int64
	err := a.breaker.Execute(callCtx, func() error {
		resp, cerr := a.handler.GetInboundUsersCount(callCtx, &hcommand.GetInboundUserRequest{Tag: tag})
		if cerr != nil {
			return cerr
		}
		count = resp.GetCount()
		return nil
	})
	a.recordRPC("count_users", err)
	if err != nil {
		return 0, apierr.UpstreamError("count_users", err).WithDetails("inbound_tag", tag)
	}
	return count, nil
}

// SysStats returns the proxy's runtime stat counters, normalized to int64.
func (a *Adapter) SysStats(ctx context.Context) (map[string]int64, error) {
	if err := a.ensureReady(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := a.callCtx(ctx)
	defer cancel()

	var resp *scommand.SysStatsResponse
	err := a.breaker.Execute(callCtx, func() error {
		r, cerr := a.stats.GetSysStats(callCtx, &scommand.SysStatsRequest{})
		resp = r
		return cerr
	})
	a.recordRPC("sys_stats", err)
	if err != nil {
		return nil, apierr.UpstreamError("sys_stats", err)
	}

	out := map[string]int64{
		"num_goroutine": int64(resp.GetNumGoroutine()),
		"alloc":         int64(resp.GetAlloc()),
		"total_alloc":   int64(resp.GetTotalAlloc()),
		"sys":           int64(resp.GetSys()),
		"num_gc":        int64(resp.GetNumGC()),
		"uptime":        int64(resp.GetUptime()),
	}
	return out, nil
}

// RuntimeStatus checks TCP reachability of the control port first, then
// calls SysStats only if the port is open — a container-friendly status
// check that never blocks long on a dead proxy.
func (a *Adapter) RuntimeStatus(ctx context.Context) RuntimeStatusResult {
	result := RuntimeStatusResult{APIAddr: a.addr}

	host, port, err := net.SplitHostPort(a.addr)
	if err != nil {
		result.StatsError = "invalid xray_api_addr"
		return result
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 2*time.Second)
	if err != nil {
		result.PortOpen = false
		return result
	}
	_ = conn.Close()
	result.PortOpen = true

	stats, serr := a.SysStats(ctx)
	if serr != nil {
		result.StatsError = serr.Error()
		return result
	}
	result.Reachable = true
	result.SysStats = stats
	return result
}

func (a *Adapter) recordRPC(method string, err error) {
	if a.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	a.metrics.ProxyRPCTotal.WithLabelValues(method, outcome).Inc()
}

// isAlreadyExists classifies an AlterInbound failure as a semantic
// "already exists" outcome: gRPC status code first, narrow substring
// fallback second (the proxy's exact status code varies between builds).
func isAlreadyExists(err error) bool {
	if st, ok := status.FromError(err); ok {
		if st.Code() == codes.AlreadyExists {
			return true
		}
		msg := strings.ToLower(st.Message())
		return (strings.Contains(msg, "already") && strings.Contains(msg, "exist")) || strings.Contains(msg, "duplicate")
	}
	msg := strings.ToLower(err.Error())
	return (strings.Contains(msg, "already") && strings.Contains(msg, "exist")) || strings.Contains(msg, "duplicate")
}

// isNotFoundUser classifies a RemoveUser failure as "user not found".
func isNotFoundUser(err error) bool {
	if st, ok := status.FromError(err); ok {
		if st.Code() == codes.NotFound {
			return true
		}
		msg := strings.ToLower(st.Message())
		return strings.Contains(msg, "not found") && strings.Contains(msg, "user")
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") && strings.Contains(msg, "user")
}

// decodeUUIDBestEffort extracts a UUID from a streamed user's nested,
// self-describing account payload. One corrupted record must never fail
// the overall listing.
func decodeUUIDBestEffort(u *protocol.User) (uuid string) {
	defer func() {
		if recover() != nil {
			uuid = ""
		}
	}()
	if u.GetAccount() == nil {
		return ""
	}
	msg, err := u.GetAccount().GetInstance()
	if err != nil {
		return ""
	}
	if acct, ok := msg.(*vless.Account); ok {
		return acct.Id
	}
	return ""
}
