// Package queue implements the durable work queue on Redis Streams.
//
// Delivery is at-least-once: a message delivered to a consumer stays in
// the group's pending list until acknowledged, and Receive reclaims
// messages that have been pending longer than the visibility timeout.
// That reclaim window is the lease: a worker that dies mid-job simply
// stops resetting the idle clock and the message surfaces again for
// another consumer.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"petavatar/internal/config"
	"petavatar/internal/metrics"
)

// Message is one delivery of a queued job. Only the job id travels on
// the wire; all other state lives in the job store, which makes
// redelivery replay-safe.
type Message struct {
	StreamID string
	JobID    uuid.UUID
}

type Queue struct {
	client     *redis.Client
	stream     string
	group      string
	retryKey   string
	visibility time.Duration
	block      time.Duration
	releaseInt time.Duration
	logger     *slog.Logger
}

func New(client *redis.Client, cfg config.QueueConfig, logger *slog.Logger) *Queue {
	stream := cfg.Stream
	if stream == "" {
		stream = "petavatar:jobs"
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "petavatar-workers"
	}

	visibility := time.Duration(cfg.VisibilityTimeoutMs) * time.Millisecond
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	block := time.Duration(cfg.ReceiveBlockMs) * time.Millisecond
	if block <= 0 {
		block = 5 * time.Second
	}
	releaseInt := time.Duration(cfg.RetryReleaseIntervalMs) * time.Millisecond
	if releaseInt <= 0 {
		releaseInt = time.Second
	}

	return &Queue{
		client:     client,
		stream:     stream,
		group:      group,
		retryKey:   stream + ":retry",
		visibility: visibility,
		block:      block,
		releaseInt: releaseInt,
		logger:     logger,
	}
}

func (q *Queue) Client() *redis.Client {
	return q.client
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Enqueue publishes a {job_id} message for immediate delivery.
func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"job_id": jobID.String()},
	}).Err()
}

// EnqueueAfter parks a {job_id} message in the retry ZSET until its
// release time. The member is the bare job id: the state machine allows
// at most one in-flight retry per job, so a later EnqueueAfter for the
// same job would only ever reschedule it.
func (q *Queue) EnqueueAfter(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	releaseAt := time.Now().Add(delay)
	return q.client.ZAdd(ctx, q.retryKey, redis.Z{
		Score:  float64(releaseAt.UnixMilli()),
		Member: jobID.String(),
	}).Err()
}

// Receive returns the next message for the given consumer, or (nil, nil)
// when none arrived within the block timeout. Messages left pending by a
// dead consumer beyond the visibility timeout are reclaimed first.
func (q *Queue) Receive(ctx context.Context, consumer string) (*Message, error) {
	if msg, err := q.reclaim(ctx, consumer); err != nil || msg != nil {
		return msg, err
	}

	entries, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	for _, stream := range entries {
		for _, raw := range stream.Messages {
			if msg := q.decode(raw); msg != nil {
				return msg, nil
			}
			// Undecodable message: drop it so it cannot wedge the group.
			_ = q.Ack(ctx, raw.ID)
		}
	}
	return nil, nil
}

func (q *Queue) reclaim(ctx context.Context, consumer string) (*Message, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	for _, raw := range claimed {
		if msg := q.decode(raw); msg != nil {
			metrics.RecordReclaim()
			if q.logger != nil {
				q.logger.Warn("message_reclaimed", "stream_id", raw.ID, "job_id", msg.JobID.String())
			}
			return msg, nil
		}
		_ = q.Ack(ctx, raw.ID)
	}
	return nil, nil
}

func (q *Queue) decode(raw redis.XMessage) *Message {
	val, ok := raw.Values["job_id"].(string)
	if !ok {
		return nil
	}
	jobID, err := uuid.Parse(val)
	if err != nil {
		return nil
	}
	return &Message{StreamID: raw.ID, JobID: jobID}
}

// Ack acknowledges and deletes a delivered message. After Ack the
// message can never be redelivered.
func (q *Queue) Ack(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return err
	}
	return q.client.XDel(ctx, q.stream, streamID).Err()
}
