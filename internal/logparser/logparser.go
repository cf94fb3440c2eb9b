// Package logparser extracts per-user device estimates from the proxy's
// access log: a line-anchored regex, windowed aggregation, and a
// short-TTL, mutex-guarded snapshot cache protecting the proxy's disk from
// rapid re-parses.
package logparser

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/muco1999/xray-agent/internal/apierr"
)

// accessLogRe matches:
// YYYY/MM/DD HH:MM:SS(.ffffff) from [(tcp|udp):]IP:PORT (accepted|rejected) (tcp|udp):HOST[:PORT] [TAG -> EGRESS] email: <id>
var accessLogRe = regexp.MustCompile(
	`^(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2})(?:\.\d+)? from (?:(?:tcp|udp):)?([0-9a-fA-F:.]+):(\d+) (accepted|rejected) (?:tcp|udp):([^\s:]+)(?::\d+)? \[([^\]]+)\] email: (\S+)`,
)

const timeLayout = "2006/01/02 15:04:05"

// Event is one parsed, retained access log line.
type Event struct {
	Epoch int64
	Email string
	SrcIP string
	Host  string
}

// ClientStatus is the derived, per-email aggregate the guard loop and the
// /xray/status/clients endpoint consume.
type ClientStatus struct {
	Email             string         `json:"email"`
	Online            bool           `json:"online"`
	LastSeenEpoch     int64          `json:"last_seen_epoch"`
	LastSeenISOUTC    string         `json:"last_seen_iso_utc"`
	LastSeenAgoSec    int64          `json:"last_seen_ago_sec"`
	UniqueIPs         []string       `json:"unique_ips"`
	DevicesEstimate   int            `json:"devices_estimate"`
	Events            int            `json:"events"`
	TopHosts          []HostCount    `json:"top_hosts"`
	Suspicious        bool           `json:"suspicious"`
}

// HostCount is one entry of a client's most-visited-hosts list.
type HostCount struct {
	Host  string `json:"host"`
	Count int    `json:"count"`
}

// Snapshot is the full parsed-and-aggregated view of recent activity.
type Snapshot struct {
	GeneratedAtEpoch  int64          `json:"generated_at_epoch"`
	InboundTag        string         `json:"inbound_tag"`
	Clients           []ClientStatus `json:"clients"`
	Established443    *int           `json:"established_443,omitempty"`
}

// Config mirrors the agent's recognized log-parser configuration options.
type Config struct {
	AccessLogPath   string
	InboundTag      string
	WindowSec       int64
	OnlineWindowSec int64
	IPActiveTTLSec  int64
	DevicesLimit    int
	TailMaxLines    int
	CacheTTL        time.Duration
}

// Parser holds the double-checked-lock snapshot cache.
type Parser struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	cachedAt time.Time
	cached   *Snapshot
}

// New builds a Parser over cfg.
func New(cfg Config) *Parser {
	if cfg.TailMaxLines <= 0 {
		cfg.TailMaxLines = 30000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Second
	}
	return &Parser{cfg: cfg, now: time.Now}
}

// Snapshot returns the current aggregated view, serving from the short-TTL
// cache when fresh. Uses the double-checked-lock idiom: check under a brief
// lock, then lock for the rebuild, re-check, compute, store, unlock.
func (p *Parser) Snapshot(ctx context.Context) (*Snapshot, error) {
	if snap := p.cachedFresh(); snap != nil {
		return snap, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if snap := p.cachedFreshLocked(); snap != nil {
		return snap, nil
	}

	lines, err := readTail(p.cfg.AccessLogPath, p.cfg.TailMaxLines)
	if err != nil {
		return nil, apierr.Internal("read access log", err)
	}

	events := parseLines(lines, p.cfg.InboundTag)
	now := p.now().Unix()
	clients := aggregate(events, now, p.cfg)

	snap := &Snapshot{
		GeneratedAtEpoch: now,
		InboundTag:       p.cfg.InboundTag,
		Clients:          clients,
	}
	if count, cerr := established443Count(ctx); cerr == nil {
		snap.Established443 = &count
	}

	p.cached = snap
	p.cachedAt = p.now()
	return snap, nil
}

// DevicesLimit exposes the configured per-client device ceiling so callers
// (the guard loop) can classify violators without duplicating the value.
func (p *Parser) DevicesLimit() int {
	return p.cfg.DevicesLimit
}

func (p *Parser) cachedFresh() *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cachedFreshLocked()
}

func (p *Parser) cachedFreshLocked() *Snapshot {
	if p.cached == nil {
		return nil
	}
	if p.now().Sub(p.cachedAt) > p.cfg.CacheTTL {
		return nil
	}
	return p.cached
}

// readTail reads the whole file and returns at most maxLines trailing
// lines, matching the prior implementation's simple "read whole file, take
// last N lines" approach (the proxy's access log is rotated, so this never
// grows unbounded in practice).
func readTail(path string, maxLines int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > maxLines*2 {
			lines = lines[len(lines)-maxLines:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

// parseLines filters to `accepted` lines for one inbound tag and extracts
// events, discarding entries without an email. A cheap substring prefilter
// skips the regex on most lines.
func parseLines(lines []string, inboundTag string) []Event {
	tagMarker := "[" + inboundTag + " ->"
	var events []Event

	for _, line := range lines {
		if !strings.Contains(line, tagMarker) || !strings.Contains(line, " accepted ") {
			continue
		}
		m := accessLogRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[4] != "accepted" {
			continue
		}
		email := m[7]
		if email == "" {
			continue
		}
		t, err := time.ParseInLocation(timeLayout, m[1], time.UTC)
		if err != nil {
			continue
		}
		events = append(events, Event{
			Epoch: t.Unix(),
			Email: email,
			SrcIP: m[2],
			Host:  m[5],
		})
	}
	return events
}

type aggState struct {
	ipLastSeen map[string]int64
	lastSeen   int64
	hostCounts map[string]int
	eventCount int
}

// aggregate groups events by email within the window and computes the
// derived client status fields.
func aggregate(events []Event, now int64, cfg Config) []ClientStatus {
	windowStart := now - cfg.WindowSec
	byEmail := make(map[string]*aggState)

	for _, e := range events {
		if e.Epoch < windowStart {
			continue
		}
		st, ok := byEmail[e.Email]
		if !ok {
			st = &aggState{ipLastSeen: make(map[string]int64), hostCounts: make(map[string]int)}
			byEmail[e.Email] = st
		}
		if e.Epoch > st.ipLastSeen[e.SrcIP] {
			st.ipLastSeen[e.SrcIP] = e.Epoch
		}
		if e.Epoch > st.lastSeen {
			st.lastSeen = e.Epoch
		}
		st.hostCounts[e.Host]++
		st.eventCount++
	}

	clients := make([]ClientStatus, 0, len(byEmail))
	for email, st := range byEmail {
		var activeIPs []string
		for ip, lastSeenIP := range st.ipLastSeen {
			if now-lastSeenIP <= cfg.IPActiveTTLSec {
				activeIPs = append(activeIPs, ip)
			}
		}
		sort.Strings(activeIPs)

		devicesEstimate := len(activeIPs)
		lastSeenAgo := now - st.lastSeen

		clients = append(clients, ClientStatus{
			Email:           email,
			Online:          lastSeenAgo <= cfg.OnlineWindowSec,
			LastSeenEpoch:   st.lastSeen,
			LastSeenISOUTC:  time.Unix(st.lastSeen, 0).UTC().Format(time.RFC3339),
			LastSeenAgoSec:  lastSeenAgo,
			UniqueIPs:       activeIPs,
			DevicesEstimate: devicesEstimate,
			Events:          st.eventCount,
			TopHosts:        topHosts(st.hostCounts, 8),
			Suspicious:      devicesEstimate > cfg.DevicesLimit,
		})
	}

	sort.Slice(clients, func(i, j int) bool {
		oi, oj := !clients[i].Online, !clients[j].Online
		if oi != oj {
			return !oi
		}
		return clients[i].LastSeenAgoSec < clients[j].LastSeenAgoSec
	})

	return clients
}

func topHosts(counts map[string]int, limit int) []HostCount {
	out := make([]HostCount, 0, len(counts))
	for h, c := range counts {
		out = append(out, HostCount{Host: h, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Host < out[j].Host
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// established443Count shells out to `ss` for a best-effort count of
// established TCP connections on port 443; purely observational, a failure
// degrades this one field, never the rest of the snapshot.
func established443Count(ctx context.Context) (int, error) {
	cmd := exec.CommandContext(ctx, "ss", "-Hnt", "state", "established", "sport", "=", ":443")
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n, nil
}

