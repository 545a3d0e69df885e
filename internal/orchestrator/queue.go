package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// priorityCount is the number of priority streams (spec §3: priority ∈
// {0,1,2,3}, 0=emergency ... 3=low).
const priorityCount = 4

const (
	delayedKey      = "queue:delayed"
	deadLetterKey   = "queue:dlq"
	consumerGroup   = "nightowl:workers"
	streamBlockWait = 200 * time.Millisecond
)

func streamKey(priority int16) string {
	return fmt.Sprintf("queue:%d", priority)
}

// QueueMessage is one enqueued job's dispatch-time payload (spec §6.2).
type QueueMessage struct {
	JobID      string `json:"job_id"`
	Domain     string `json:"domain"`
	URL        string `json:"url"`
	JobType    string `json:"job_type"`
	Strategy   string `json:"strategy"`
	Payload    string `json:"payload"` // JSON-encoded
	EnqueuedAt string `json:"enqueued_at"`
}

func (m QueueMessage) fields() map[string]interface{} {
	return map[string]interface{}{
		"job_id":      m.JobID,
		"domain":      m.Domain,
		"url":         m.URL,
		"job_type":    m.JobType,
		"strategy":    m.Strategy,
		"payload":     m.Payload,
		"enqueued_at": m.EnqueuedAt,
	}
}

func messageFromFields(values map[string]interface{}) QueueMessage {
	str := func(k string) string {
		if v, ok := values[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	return QueueMessage{
		JobID:      str("job_id"),
		Domain:     str("domain"),
		URL:        str("url"),
		JobType:    str("job_type"),
		Strategy:   str("strategy"),
		Payload:    str("payload"),
		EnqueuedAt: str("enqueued_at"),
	}
}

// Delivery bundles a popped queue message with the bookkeeping its priority
// stream entry ID needed to ack or dead-letter it.
type Delivery struct {
	Message  QueueMessage
	Priority int16
	EntryID  string
}

// Queue is the Redis-Streams-backed priority queue (spec §4.10 step 4, §6.2):
// one stream per priority, a sorted set for delayed/retry entries, and a
// list for the dead-letter queue.
type Queue struct {
	rdb      *redis.Client
	consumer string
}

// NewQueue creates a Queue. consumer is this process's unique consumer name
// within the shared consumer group (spec §4.10's "consumer id").
func NewQueue(rdb *redis.Client, consumer string) *Queue {
	return &Queue{rdb: rdb, consumer: consumer}
}

// EnsureGroups creates the consumer group on all four priority streams if it
// doesn't already exist, creating the stream itself (MKSTREAM) when needed.
func (q *Queue) EnsureGroups(ctx context.Context) error {
	for p := int16(0); p < priorityCount; p++ {
		err := q.rdb.XGroupCreateMkStream(ctx, streamKey(p), consumerGroup, "$").Err()
		if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroupErr(err) {
			return fmt.Errorf("orchestrator: creating consumer group on %s: %w", streamKey(p), err)
		}
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Enqueue adds msg to the priority stream for immediate dispatch.
func (q *Queue) Enqueue(ctx context.Context, priority int16, msg QueueMessage) error {
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(priority),
		Values: msg.fields(),
	}).Err()
}

// delayedEntry is what's actually stored in the queue:delayed sorted set,
// since a zset member carries no side channel for priority.
type delayedEntry struct {
	Priority int16        `json:"priority"`
	Message  QueueMessage `json:"message"`
}

// EnqueueDelayed schedules msg to be promoted onto its priority stream once
// dueAt has passed (spec §4.10 step 4's "delayed entry... sweeper promotes
// entries whose time has come").
func (q *Queue) EnqueueDelayed(ctx context.Context, priority int16, msg QueueMessage, dueAt time.Time) error {
	raw, err := json.Marshal(delayedEntry{Priority: priority, Message: msg})
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling delayed entry: %w", err)
	}
	return q.rdb.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(dueAt.Unix()),
		Member: raw,
	}).Err()
}

// PromoteDelayed moves every delayed entry whose due time has passed onto
// its priority stream, returning how many were promoted. Called periodically
// by a background sweeper task.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	due, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(now, 'f', 0, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("orchestrator: scanning delayed entries: %w", err)
	}

	promoted := 0
	for _, raw := range due {
		var entry delayedEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			q.rdb.ZRem(ctx, delayedKey, raw)
			continue
		}
		if err := q.Enqueue(ctx, entry.Priority, entry.Message); err != nil {
			continue
		}
		q.rdb.ZRem(ctx, delayedKey, raw)
		promoted++
	}
	return promoted, nil
}

// ReadNext scans the four priority streams strictly in order (0 = emergency
// first), reading at most one new entry from the first stream with
// available work (spec §4.10 dispatch loop, §5 ordering guarantees). It
// returns ok=false if nothing was available across a full pass.
func (q *Queue) ReadNext(ctx context.Context) (Delivery, bool, error) {
	for p := int16(0); p < priorityCount; p++ {
		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: q.consumer,
			Streams:  []string{streamKey(p), ">"},
			Count:    1,
			Block:    streamBlockWait,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || err == context.DeadlineExceeded {
				continue
			}
			return Delivery{}, false, fmt.Errorf("orchestrator: reading stream %s: %w", streamKey(p), err)
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				return Delivery{
					Message:  messageFromFields(msg.Values),
					Priority: p,
					EntryID:  msg.ID,
				}, true, nil
			}
		}
	}
	return Delivery{}, false, nil
}

// Ack acknowledges a delivered entry, removing it from the stream's pending
// entries list.
func (q *Queue) Ack(ctx context.Context, d Delivery) error {
	return q.rdb.XAck(ctx, streamKey(d.Priority), consumerGroup, d.EntryID).Err()
}

// DeadLetter records a job whose retry budget is exhausted, per spec §4.10
// step 7.
func (q *Queue) DeadLetter(ctx context.Context, msg QueueMessage, finalError string) error {
	raw, err := json.Marshal(struct {
		QueueMessage
		FinalError string `json:"final_error"`
		DeadAt     string `json:"dead_at"`
	}{msg, finalError, time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling dead-letter entry: %w", err)
	}
	return q.rdb.RPush(ctx, deadLetterKey, raw).Err()
}

// Stats reports queue depth per priority, the delayed count, and the DLQ
// length, for the operator status endpoint (spec §4.13, §6.1 queue/stats).
type Stats struct {
	ByPriority    [priorityCount]int64
	DelayedCount  int64
	DeadLetterLen int64
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	for p := int16(0); p < priorityCount; p++ {
		n, err := q.rdb.XLen(ctx, streamKey(p)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Stats{}, fmt.Errorf("orchestrator: reading stream length: %w", err)
		}
		s.ByPriority[p] = n
	}
	if n, err := q.rdb.ZCard(ctx, delayedKey).Result(); err == nil {
		s.DelayedCount = n
	}
	if n, err := q.rdb.LLen(ctx, deadLetterKey).Result(); err == nil {
		s.DeadLetterLen = n
	}
	return s, nil
}

// DeadLetterEntries returns up to limit raw dead-letter entries starting at
// offset, plus the total length of the dead-letter list, for the
// offset-paginated inspection endpoint (SPEC_FULL.md §C Supplemented
// Feature 5).
func (q *Queue) DeadLetterEntries(ctx context.Context, offset, limit int64) ([]string, int64, error) {
	total, err := q.rdb.LLen(ctx, deadLetterKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("orchestrator: counting dead-letter entries: %w", err)
	}
	entries, err := q.rdb.LRange(ctx, deadLetterKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("orchestrator: reading dead-letter entries: %w", err)
	}
	return entries, total, nil
}

// RequeueDeadLetter removes entry (as returned by DeadLetterEntries) from
// the dead-letter list and re-enqueues its job at the given priority,
// resetting its attempt budget is the caller's responsibility.
func (q *Queue) RequeueDeadLetter(ctx context.Context, entry string, priority int16, msg QueueMessage) error {
	if err := q.rdb.LRem(ctx, deadLetterKey, 1, entry).Err(); err != nil {
		return fmt.Errorf("orchestrator: removing dead-letter entry: %w", err)
	}
	return q.Enqueue(ctx, priority, msg)
}
