// Package jobstore implements the durable job queue and status documents:
// enqueue is a single pipelined transaction that never leaves a job on the
// queue whose status has not been initialized, and issue-client enqueue is
// additionally guarded by a short-TTL idempotency key.
package jobstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/muco1999/xray-agent/internal/apierr"
	"github.com/muco1999/xray-agent/internal/idempotency"
	"github.com/muco1999/xray-agent/internal/statestore"
)

const (
	queueKey          = "xray_jobs_queue"
	jobKeyPrefix      = "xray_job:"
	idempotencyPrefix = "xray_idem:"
)

// Kind enumerates the job payload shapes the Worker Runtime dispatches on.
type Kind string

const (
	KindIssueClient  Kind = "issue_client"
	KindAddClient    Kind = "add_client"
	KindRemoveClient Kind = "remove_client"
	KindBulkRestore  Kind = "bulk_restore"
)

// State is a job's lifecycle stage; it only ever advances forward.
type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateDone     State = "done"
	StateError    State = "error"
	StateNotFound State = "not_found"
)

// Envelope is what producers push onto the queue.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

// ErrorDetail is the shape of a job status document's error field.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// StatusDocument is the JSON document stored under xray_job:<id>.
type StatusDocument struct {
	ID        string          `json:"id"`
	State     State           `json:"state"`
	UpdatedAt int64           `json:"updated_at"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
}

// Store is the job queue and status document handle.
type Store struct {
	ss             *statestore.Client
	statusTTL      time.Duration
	idempotencyTTL time.Duration
	now            func() time.Time
}

// New builds a Store. statusTTL and idempotencyTTL should come from
// config.JobConfig (idempotencyTTL clamped to [60,120]s by the config
// loader already).
func New(ss *statestore.Client, statusTTL, idempotencyTTL time.Duration) *Store {
	return &Store{ss: ss, statusTTL: statusTTL, idempotencyTTL: idempotencyTTL, now: time.Now}
}

func jobKey(id string) string   { return jobKeyPrefix + id }
func idemKey(hash string) string { return idempotencyPrefix + hash }

// Enqueue creates a fresh job id, pipelines the queue push and the initial
// "queued" status write into one transaction, and returns the id.
func (s *Store) Enqueue(ctx context.Context, kind Kind, payload interface{}) (string, error) {
	id := uuid.NewString()
	if err := s.enqueueWithID(ctx, id, kind, payload); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) enqueueWithID(ctx context.Context, id string, kind Kind, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apierr.Internal("marshal job payload", err)
	}

	env := Envelope{ID: id, Kind: kind, Payload: body, CreatedAt: s.now().Unix()}
	envBody, err := json.Marshal(env)
	if err != nil {
		return apierr.Internal("marshal job envelope", err)
	}

	doc := StatusDocument{ID: id, State: StateQueued, UpdatedAt: s.now().Unix()}
	docBody, err := json.Marshal(doc)
	if err != nil {
		return apierr.Internal("marshal job status", err)
	}

	_, err = s.ss.Raw().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(id), docBody, s.statusTTL)
		pipe.LPush(ctx, queueKey, envBody)
		return nil
	})
	if err != nil {
		return apierr.RedisError("enqueue", err)
	}
	return nil
}

// EnqueueIssue performs the idempotent issue-client enqueue: it claims the
// idempotency key *before* touching the queue. On conflict it reads back the
// job id already associated with the key and reports deduped=true without
// pushing a redundant job onto the queue. If the store fails while claiming
// the key, or the existing key's value cannot be read back, a fresh job is
// enqueued with deduped=false instead.
func (s *Store) EnqueueIssue(ctx context.Context, telegramID, inboundTag string, payload interface{}) (jobID string, deduped bool, err error) {
	hash := idempotency.IssueKey(telegramID, inboundTag)
	key := idemKey(hash)
	id := uuid.NewString()

	ok, setErr := s.ss.SetNX(ctx, key, id, s.idempotencyTTL)
	if setErr != nil {
		// Can't claim the dedupe key either way; enqueue anyway rather than
		// fail the caller's request, just forgo deduping for this call.
		if err := s.enqueueWithID(ctx, id, KindIssueClient, payload); err != nil {
			return "", false, err
		}
		return id, false, nil
	}

	if !ok {
		existing, getErr := s.ss.Get(ctx, key)
		if getErr != nil || existing == "" {
			// The key exists but its value couldn't be read back; enqueue a
			// fresh job rather than silently dropping the request.
			if err := s.enqueueWithID(ctx, id, KindIssueClient, payload); err != nil {
				return "", false, err
			}
			return id, false, nil
		}
		return existing, true, nil
	}

	if err := s.enqueueWithID(ctx, id, KindIssueClient, payload); err != nil {
		_ = s.ss.Del(ctx, key)
		return "", false, err
	}
	return id, false, nil
}

// InvalidateIssueIdempotency removes the dedupe key for (email, tag) so a
// re-issue after a remove is not silently collapsed onto the stale job id.
func (s *Store) InvalidateIssueIdempotency(ctx context.Context, telegramID, inboundTag string) error {
	hash := idempotency.IssueKey(telegramID, inboundTag)
	return s.ss.Del(ctx, idemKey(hash))
}

// Dequeue blocks up to wait for the next job envelope.
func (s *Store) Dequeue(ctx context.Context, wait time.Duration) (*Envelope, error) {
	res, err := s.ss.Raw().BRPop(ctx, wait, queueKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	var env Envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, apierr.Internal("decode job envelope", err)
	}
	return &env, nil
}

// SetRunning transitions a job to running. Failures here are meant to be
// logged by the caller, never fatal — processing continues regardless.
func (s *Store) SetRunning(ctx context.Context, id string) error {
	doc := StatusDocument{ID: id, State: StateRunning, UpdatedAt: s.now().Unix()}
	return s.writeStatus(ctx, id, doc)
}

// SetDone transitions a job to done with its result payload.
func (s *Store) SetDone(ctx context.Context, id string, result interface{}) error {
	body, err := json.Marshal(result)
	if err != nil {
		return apierr.Internal("marshal job result", err)
	}
	doc := StatusDocument{ID: id, State: StateDone, UpdatedAt: s.now().Unix(), Result: body}
	return s.writeStatus(ctx, id, doc)
}

// SetError transitions a job to error with a bounded, classified detail.
func (s *Store) SetError(ctx context.Context, id string, errType, message string, trace string, debug bool) error {
	detail := &ErrorDetail{Type: errType, Message: apierr.Truncate(message, 500)}
	if debug {
		detail.Trace = trace
	}
	doc := StatusDocument{ID: id, State: StateError, UpdatedAt: s.now().Unix(), Error: detail}
	return s.writeStatus(ctx, id, doc)
}

func (s *Store) writeStatus(ctx context.Context, id string, doc StatusDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return apierr.Internal("marshal job status", err)
	}
	if err := s.ss.Set(ctx, jobKey(id), string(body), s.statusTTL); err != nil {
		return apierr.RedisError("write job status", err)
	}
	return nil
}

// Get returns the job's current status document, or a not_found document
// if the key is absent or TTL-expired.
func (s *Store) Get(ctx context.Context, id string) (*StatusDocument, error) {
	raw, err := s.ss.Get(ctx, jobKey(id))
	if err != nil {
		if statestore.IsNil(err) {
			return &StatusDocument{ID: id, State: StateNotFound}, nil
		}
		return nil, apierr.RedisError("read job status", err)
	}
	var doc StatusDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, apierr.Internal("decode job status", err)
	}
	return &doc, nil
}

// QueueDepth reports the best-effort current queue length, for metrics.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	return s.ss.Raw().LLen(ctx, queueKey).Result()
}
