// Package ratelimit implements the per-caller-per-group token bucket
// described in the agent's request governance design: an atomic Lua script
// against the shared state store, failing open on store errors so a broken
// Redis never takes down the read API.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/muco1999/xray-agent/internal/statestore"
)

// Rule is a named token-bucket configuration.
type Rule struct {
	Name  string
	Rate  float64 // tokens per second
	Burst float64
}

// Group names recognized by the default resolver.
const (
	GroupHealth = "health"
	GroupStatus = "status"
	GroupCount  = "count"
	GroupEmails = "emails"
	GroupMutate = "mutate"
)

// DefaultRules matches the agent's configuration reference table exactly.
var DefaultRules = map[string]Rule{
	GroupHealth: {Name: GroupHealth, Rate: 2.0, Burst: 5},
	GroupStatus: {Name: GroupStatus, Rate: 10.0, Burst: 30},
	GroupCount:  {Name: GroupCount, Rate: 5.0, Burst: 15},
	GroupEmails: {Name: GroupEmails, Rate: 1.0, Burst: 3},
	GroupMutate: {Name: GroupMutate, Rate: 1.0, Burst: 3},
}

// tokenBucketScript implements tokens <- min(burst, tokens + (now-ts)*rate),
// decrementing on allow, in one atomic round trip. KEYS[1] is the bucket
// hash key; ARGV are now_ms, rate_per_ms, burst.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate_per_ms = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local ts = tonumber(redis.call('HGET', key, 'ts'))
local tokens = tonumber(redis.call('HGET', key, 'tokens'))
if ts == nil then ts = now_ms end
if tokens == nil then tokens = burst end

local delta = now_ms - ts
if delta < 0 then delta = 0 end
tokens = math.min(burst, tokens + delta * rate_per_ms)

local allowed = 0
local retry_after_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  local deficit = 1 - tokens
  if rate_per_ms > 0 then
    retry_after_ms = math.ceil(deficit / rate_per_ms)
  end
end

redis.call('HSET', key, 'ts', now_ms, 'tokens', tokens)
local ttl_ms = math.ceil((burst / (rate_per_ms * 1000)) * 2 * 1000)
if ttl_ms < 1000 then ttl_ms = 1000 end
redis.call('PEXPIRE', key, ttl_ms)

return {allowed, retry_after_ms, tokens}
`)

// Result is the outcome of one Allow check.
type Result struct {
	Allowed      bool
	RetryAfterMs int64
	Remaining    float64
}

// Limiter evaluates the token bucket for a given group/fingerprint/ip.
type Limiter struct {
	ss    *statestore.Client
	rules map[string]Rule
	now   func() time.Time
}

// New builds a Limiter over the default rule set; callers may override
// rules via WithRules for tests.
func New(ss *statestore.Client) *Limiter {
	return &Limiter{ss: ss, rules: DefaultRules, now: time.Now}
}

// WithRules returns a copy of the limiter using a custom rule set.
func (l *Limiter) WithRules(rules map[string]Rule) *Limiter {
	return &Limiter{ss: l.ss, rules: rules, now: l.now}
}

func bucketKey(group, tokenFingerprint, ip string) string {
	return fmt.Sprintf("xray_rl:%s:%s:%s", group, tokenFingerprint, ip)
}

// TokenFingerprint returns a stable, non-reversible hash of a bearer
// credential, never the credential itself. An empty token fingerprints as
// "anon".
func TokenFingerprint(token string) string {
	if token == "" {
		return "anon"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}

// Allow evaluates the bucket for (group, tokenFingerprint, ip). On any
// Redis error it fails open (returns Allowed=true) per the governance
// design's explicit policy for this subsystem.
func (l *Limiter) Allow(ctx context.Context, group, tokenFingerprint, ip string) (Result, error) {
	rule, ok := l.rules[group]
	if !ok {
		rule = l.rules[GroupStatus]
	}

	key := bucketKey(rule.Name, tokenFingerprint, ip)
	nowMs := l.now().UnixNano() / int64(time.Millisecond)
	ratePerMs := rule.Rate / 1000.0

	res, err := tokenBucketScript.Run(ctx, l.ss.Raw(), []string{key}, nowMs, ratePerMs, rule.Burst).Result()
	if err != nil {
		return Result{Allowed: true}, nil
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Result{Allowed: true}, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := toInt64(vals[1])
	remaining := toFloat64(vals[2])

	return Result{Allowed: allowed, RetryAfterMs: retryAfter, Remaining: remaining}, nil
}

// ResolveGroup maps an HTTP path to a rate-limit group, matching the agent's
// recognized route table.
func ResolveGroup(path string) string {
	switch {
	case strings.HasPrefix(path, "/health"):
		return GroupHealth
	case strings.Contains(path, "/users/count"):
		return GroupCount
	case strings.HasSuffix(path, "/emails"):
		return GroupEmails
	case strings.HasPrefix(path, "/clients/issue"),
		strings.HasPrefix(path, "/clients/"),
		path == "/xray/restore",
		path == "/xray/add_user":
		return GroupMutate
	default:
		return GroupStatus
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		var out float64
		fmt.Sscanf(n, "%f", &out)
		return out
	default:
		return math.NaN()
	}
}
