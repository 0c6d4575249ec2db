package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "taskboard:"

// publishScript numbers an event and stores it in one step, so a poller
// never observes sequence n+1 before n is readable.
//
// KEYS: project sequence, events zset, payload hash.
// ARGV: task id, payload, ttl in seconds.
var publishScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
for i = 1, 3 do
	redis.call('EXPIRE', KEYS[i], ARGV[3])
end
return seq
`)

// nextScript reads the oldest event past a client's cursor and moves the
// cursor in one step, so two concurrent polls by the same client cannot
// both receive it. Polling keeps the project keys alive as long as the
// cursor, and a cursor ahead of the head (the sequence was lost) is pulled
// back to it.
//
// KEYS: events zset, payload hash, client cursor, project sequence.
// ARGV: ttl in seconds.
var nextScript = redis.NewScript(`
for _, i in ipairs({1, 2, 4}) do
	redis.call('EXPIRE', KEYS[i], ARGV[1])
end
local head = tonumber(redis.call('GET', KEYS[4]) or '0')
local cursor = redis.call('GET', KEYS[3])
if not cursor or tonumber(cursor) > head then
	redis.call('SET', KEYS[3], head, 'EX', ARGV[1])
	return false
end
local hits = redis.call('ZRANGEBYSCORE', KEYS[1], '(' .. cursor, '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
if #hits == 0 then
	redis.call('EXPIRE', KEYS[3], ARGV[1])
	return false
end
redis.call('SET', KEYS[3], hits[2], 'EX', ARGV[1])
return {hits[2], redis.call('HGET', KEYS[2], hits[1])}
`)

// RedisBroker shares events between api instances through Redis.
type RedisBroker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBroker connects to redisURL. ttl bounds how long idle cursors and
// event sets are kept.
func NewRedisBroker(redisURL string, ttl time.Duration) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBrokerWithClient(client, ttl), nil
}

func NewRedisBrokerWithClient(client *redis.Client, ttl time.Duration) *RedisBroker {
	if ttl < time.Second {
		ttl = 24 * time.Hour
	}
	return &RedisBroker{client: client, prefix: defaultPrefix, ttl: ttl}
}

func (b *RedisBroker) seqKey(projectID string) string {
	return b.prefix + "seq:" + projectID
}

func (b *RedisBroker) eventsKey(projectID string) string {
	return b.prefix + "events:" + projectID
}

func (b *RedisBroker) payloadKey(projectID string) string {
	return b.prefix + "payload:" + projectID
}

func (b *RedisBroker) cursorKey(projectID, clientID string) string {
	return b.prefix + "cursor:" + projectID + ":" + clientID
}

func (b *RedisBroker) ttlSeconds() int {
	return int(b.ttl / time.Second)
}

// Publish stores the event without its sequence number; readers take it
// from the zset score.
func (b *RedisBroker) Publish(ctx context.Context, event ChangeEvent) (ChangeEvent, error) {
	event.Seq = 0
	payload, err := json.Marshal(event)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("marshal event: %w", err)
	}

	keys := []string{
		b.seqKey(event.ProjectID),
		b.eventsKey(event.ProjectID),
		b.payloadKey(event.ProjectID),
	}
	seq, err := publishScript.Run(ctx, b.client, keys, event.TaskID, payload, b.ttlSeconds()).Int64()
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("publish event: %w", err)
	}
	event.Seq = seq
	return event, nil
}

func (b *RedisBroker) Next(ctx context.Context, projectID, clientID string) (*ChangeEvent, error) {
	keys := []string{
		b.eventsKey(projectID),
		b.payloadKey(projectID),
		b.cursorKey(projectID, clientID),
		b.seqKey(projectID),
	}
	reply, err := nextScript.Run(ctx, b.client, keys, b.ttlSeconds()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read next event: %w", err)
	}
	if len(reply) < 2 || reply[1] == nil {
		return nil, nil
	}

	score, _ := reply[0].(string)
	payload, _ := reply[1].(string)
	seq, err := strconv.ParseFloat(score, 64)
	if err != nil {
		return nil, fmt.Errorf("parse event seq %q: %w", score, err)
	}

	var event ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	event.Seq = int64(seq)
	return &event, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
