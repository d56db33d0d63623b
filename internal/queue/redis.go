package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig names the keys and retention used by RedisBackend.
type RedisConfig struct {
	Stream          string
	Group           string
	Consumer        string
	KeyPrefix       string
	RetainCompleted time.Duration
	RetainFailed    time.Duration
}

// RedisBackend keeps one hash per job, a stream carrying ready job keys to a
// consumer group, a schedule of delayed retries and one sorted set per state
// for counting.
type RedisBackend struct {
	client *redis.Client
	cfg    RedisConfig
	now    func() time.Time
}

var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "key", ARGV[1], "imageId", ARGV[2], "imageUrl", ARGV[3],
  "state", "waiting", "attempts", 0, "progress", 0, "lastError", "", "updatedAt", ARGV[4])
redis.call("XADD", KEYS[2], "*", "key", ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// KEYS: job hash, then the state sets in AllStates order.
// ARGV: job key, new state, now millis, ttl seconds, then field/value pairs.
var transitionScript = redis.NewScript(`
local old = redis.call("HGET", KEYS[1], "state")
if not old then
  return 0
end
local idx = {waiting = 2, active = 3, delayed = 4, completed = 5, failed = 6}
if idx[old] then
  redis.call("ZREM", KEYS[idx[old]], ARGV[1])
end
redis.call("ZADD", KEYS[idx[ARGV[2]]], ARGV[3], ARGV[1])
redis.call("HSET", KEYS[1], "state", ARGV[2], "updatedAt", ARGV[3])
for i = 5, #ARGV, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
if tonumber(ARGV[4]) > 0 then
  redis.call("EXPIRE", KEYS[1], ARGV[4])
end
return 1
`)

// promoteScript moves one due job from the schedule back onto the stream. A
// job already taken by another worker is left alone; a schedule entry whose
// hash has expired is dropped.
// KEYS: schedule, stream, job hash, then the state sets in AllStates order.
// ARGV: job key, now millis.
var promoteScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
  return 0
end
local old = redis.call("HGET", KEYS[3], "state")
if old ~= "delayed" then
  return 0
end
redis.call("ZREM", KEYS[6], ARGV[1])
redis.call("ZADD", KEYS[4], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[3], "state", "waiting", "updatedAt", ARGV[2])
redis.call("XADD", KEYS[2], "*", "key", ARGV[1])
return 1
`)

func NewRedisBackend(client *redis.Client, cfg RedisConfig) *RedisBackend {
	return &RedisBackend{client: client, cfg: cfg, now: time.Now}
}

// EnsureGroup creates the consumer group and stream if they do not exist.
func (b *RedisBackend) EnsureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (b *RedisBackend) jobKey(key string) string {
	return b.cfg.KeyPrefix + ":job:" + key
}

func (b *RedisBackend) stateKey(state JobState) string {
	return b.cfg.KeyPrefix + ":state:" + string(state)
}

func (b *RedisBackend) scheduleKey() string {
	return b.cfg.KeyPrefix + ":schedule"
}

func (b *RedisBackend) nowMillis() int64 {
	return b.now().UnixMilli()
}

func (b *RedisBackend) Enqueue(ctx context.Context, payload Payload) (bool, error) {
	key := JobKey(payload.ImageID)
	res, err := enqueueScript.Run(ctx, b.client,
		[]string{b.jobKey(key), b.cfg.Stream, b.stateKey(StateWaiting)},
		key, payload.ImageID, payload.ImageURL, b.nowMillis(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", key, err)
	}
	return res == 1, nil
}

func (b *RedisBackend) transition(ctx context.Context, key string, state JobState, ttl time.Duration, fields ...any) error {
	keys := make([]string, 0, 1+len(AllStates))
	keys = append(keys, b.jobKey(key))
	for _, s := range AllStates {
		keys = append(keys, b.stateKey(s))
	}
	args := append([]any{key, string(state), b.nowMillis(), int64(ttl.Seconds())}, fields...)
	return transitionScript.Run(ctx, b.client, keys, args...).Err()
}

func (b *RedisBackend) Receive(ctx context.Context, block time.Duration) (Delivery, bool, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.cfg.Stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, false, nil
		}
		return Delivery{}, false, err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			d, ok, err := b.activate(ctx, msg)
			if err != nil || ok {
				return d, ok, err
			}
		}
	}
	return Delivery{}, false, nil
}

// activate loads the job behind a stream message and marks it active. Messages
// whose job hash has expired or already finished are acknowledged and dropped.
func (b *RedisBackend) activate(ctx context.Context, msg redis.XMessage) (Delivery, bool, error) {
	key, _ := msg.Values["key"].(string)
	job, err := b.Status(ctx, key)
	if errors.Is(err, ErrJobNotFound) || (err == nil && (job.State == StateCompleted || job.State == StateFailed)) {
		return Delivery{}, false, b.ack(ctx, msg.ID)
	}
	if err != nil {
		return Delivery{}, false, err
	}

	job.Attempts++
	job.State = StateActive
	if err := b.transition(ctx, key, StateActive, 0, "attempts", job.Attempts, "progress", 0); err != nil {
		return Delivery{}, false, err
	}
	job.Progress = 0
	return Delivery{Ref: msg.ID, Job: job}, true, nil
}

func (b *RedisBackend) ack(ctx context.Context, id string) error {
	return b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, id).Err()
}

func (b *RedisBackend) Progress(ctx context.Context, d Delivery, pct int) error {
	if err := b.client.HSet(ctx, b.jobKey(d.Job.Key), "progress", pct, "updatedAt", b.nowMillis()).Err(); err != nil {
		return err
	}
	return b.Touch(ctx, d)
}

// Touch re-claims the pending entry for this consumer, which resets its idle
// time without delivering it again.
func (b *RedisBackend) Touch(ctx context.Context, d Delivery) error {
	return b.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  0,
		Messages: []string{d.Ref},
	}).Err()
}

func (b *RedisBackend) Complete(ctx context.Context, d Delivery) error {
	if err := b.transition(ctx, d.Job.Key, StateCompleted, b.cfg.RetainCompleted, "progress", 100, "lastError", ""); err != nil {
		return err
	}
	return b.ack(ctx, d.Ref)
}

func (b *RedisBackend) Retry(ctx context.Context, d Delivery, delay time.Duration, cause error) error {
	if err := b.transition(ctx, d.Job.Key, StateDelayed, 0, "lastError", errorText(cause)); err != nil {
		return err
	}
	due := b.now().Add(delay).UnixMilli()
	if err := b.client.ZAdd(ctx, b.scheduleKey(), redis.Z{Score: float64(due), Member: d.Job.Key}).Err(); err != nil {
		return err
	}
	return b.ack(ctx, d.Ref)
}

func (b *RedisBackend) Fail(ctx context.Context, d Delivery, cause error) error {
	if err := b.transition(ctx, d.Job.Key, StateFailed, b.cfg.RetainFailed, "lastError", errorText(cause)); err != nil {
		return err
	}
	return b.ack(ctx, d.Ref)
}

func (b *RedisBackend) Promote(ctx context.Context) (int, error) {
	due, err := b.client.ZRangeByScore(ctx, b.scheduleKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(b.nowMillis(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}

	keys := make([]string, 0, 3+len(AllStates))
	promoted := 0
	for _, key := range due {
		keys = append(keys[:0], b.scheduleKey(), b.cfg.Stream, b.jobKey(key))
		for _, s := range AllStates {
			keys = append(keys, b.stateKey(s))
		}
		moved, err := promoteScript.Run(ctx, b.client, keys, key, b.nowMillis()).Int()
		if err != nil {
			return promoted, fmt.Errorf("promote %s: %w", key, err)
		}
		promoted += moved
	}
	return promoted, nil
}

func (b *RedisBackend) Reclaim(ctx context.Context, minIdle time.Duration) ([]Delivery, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.cfg.Stream,
		Group:  b.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []Delivery
	for _, entry := range pending {
		if entry.Idle < minIdle {
			continue
		}
		msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   b.cfg.Stream,
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			MinIdle:  minIdle,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			return out, err
		}
		for _, msg := range msgs {
			d, ok, err := b.activate(ctx, msg)
			if err != nil {
				return out, err
			}
			if ok {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (b *RedisBackend) Status(ctx context.Context, key string) (Job, error) {
	values, err := b.client.HGetAll(ctx, b.jobKey(key)).Result()
	if err != nil {
		return Job{}, err
	}
	if len(values) == 0 {
		return Job{}, ErrJobNotFound
	}
	attempts, _ := strconv.Atoi(values["attempts"])
	progress, _ := strconv.Atoi(values["progress"])
	updated, _ := strconv.ParseInt(values["updatedAt"], 10, 64)
	return Job{
		Key: key,
		Payload: Payload{
			ImageID:  values["imageId"],
			ImageURL: values["imageUrl"],
		},
		State:     JobState(values["state"]),
		Attempts:  attempts,
		Progress:  progress,
		LastError: values["lastError"],
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}, nil
}

// Counts reports jobs per state. Finished jobs older than their retention are
// pruned from the state sets first, matching the hash expiry.
func (b *RedisBackend) Counts(ctx context.Context) (map[JobState]int64, error) {
	now := b.now()
	prune := map[JobState]time.Duration{
		StateCompleted: b.cfg.RetainCompleted,
		StateFailed:    b.cfg.RetainFailed,
	}
	for state, retain := range prune {
		if retain <= 0 {
			continue
		}
		cutoff := strconv.FormatInt(now.Add(-retain).UnixMilli(), 10)
		if err := b.client.ZRemRangeByScore(ctx, b.stateKey(state), "-inf", "("+cutoff).Err(); err != nil {
			return nil, err
		}
	}

	pipe := b.client.Pipeline()
	cmds := make(map[JobState]*redis.IntCmd, len(AllStates))
	for _, s := range AllStates {
		cmds[s] = pipe.ZCard(ctx, b.stateKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	counts := make(map[JobState]int64, len(cmds))
	for s, cmd := range cmds {
		counts[s] = cmd.Val()
	}
	return counts, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
