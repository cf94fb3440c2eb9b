// Package capacity implements the per-inbound reserve/release counter: a
// single integer key with a safety TTL, reserved atomically via a Lua
// script, failing closed on any store error.
package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/muco1999/xray-agent/internal/statestore"
)

var reserveScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl_sec = tonumber(ARGV[2])

local current = tonumber(redis.call('GET', key))
if current == nil then current = 0 end

if current >= limit then
  return {0, current}
end

local new_val = redis.call('INCR', key)
redis.call('EXPIRE', key, ttl_sec)
return {1, new_val}
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key))
if current == nil then
  return 0
end
local new_val = redis.call('DECR', key)
if new_val <= 0 then
  redis.call('DEL', key)
  return 0
end
return new_val
`)

// Policy configures the ceiling and safety TTL for one inbound tag.
type Policy struct {
	Limit  int
	TTLSec int
}

// Limiter reserves/releases capacity slots per inbound tag.
type Limiter struct {
	ss     *statestore.Client
	policy Policy
}

// New builds a Limiter. Defaults match the agent's configuration reference
// (limit=50, ttl=120s) when Policy is zero-valued.
func New(ss *statestore.Client, policy Policy) *Limiter {
	if policy.Limit <= 0 {
		policy.Limit = 50
	}
	if policy.TTLSec <= 0 {
		policy.TTLSec = 120
	}
	return &Limiter{ss: ss, policy: policy}
}

func key(tag string) string {
	return fmt.Sprintf("xray_cap:%s", tag)
}

// Reserve attempts to claim one slot for tag. On any Redis error it fails
// closed — returns denied — because unbounded creation under a broken store
// is worse than temporarily refusing new users.
func (l *Limiter) Reserve(ctx context.Context, tag string) (ok bool, current int, err error) {
	res, err := reserveScript.Run(ctx, l.ss.Raw(), []string{key(tag)}, l.policy.Limit, l.policy.TTLSec).Result()
	if err != nil {
		return false, 0, nil // fail closed; caller surfaces CAPACITY_EXCEEDED
	}
	vals, okCast := res.([]interface{})
	if !okCast || len(vals) != 2 {
		return false, 0, nil
	}
	allowed := toInt(vals[0]) == 1
	cur := int(toInt(vals[1]))
	return allowed, cur, nil
}

// Release returns one slot for tag. Failures are logged by the caller only
// — a leaked slot self-heals via the safety TTL.
func (l *Limiter) Release(ctx context.Context, tag string) error {
	_, err := releaseScript.Run(ctx, l.ss.Raw(), []string{key(tag)}).Result()
	return err
}

// Limit exposes the configured ceiling, used by apierr.CapacityExceeded.
func (l *Limiter) Limit() int {
	return l.policy.Limit
}

func toInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
