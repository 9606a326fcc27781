package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// KeyDeadlines is the sorted set of armed question deadlines, scored by due time in unix ms.
	KeyDeadlines = "quiz:deadlines"
	// KeyAttempts counts failed deliveries per deadline member.
	KeyAttempts = "quiz:deadlines:attempts"
	// KeyDLQ is the dead-letter list for deadlines that kept failing.
	KeyDLQ = "quiz:deadlines:dlq"
	// MaxRetries is the number of times a deadline is retried before moving to the DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay before a failed deadline fires again.
	RetryBackoff = 2 * time.Second
)

// Deadline is one armed (user, position) timer.
type Deadline struct {
	UserID   int64     `json:"user_id"`
	Position int       `json:"position"`
	Due      time.Time `json:"due"`
	Attempt  int       `json:"attempt,omitempty"`
}

// Member returns the sorted set member for the deadline.
func (d Deadline) Member() string {
	return member(d.UserID, d.Position)
}

func member(userID int64, position int) string {
	return strconv.FormatInt(userID, 10) + ":" + strconv.Itoa(position)
}

func parseMember(m string) (int64, int, error) {
	user, pos, ok := strings.Cut(m, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed deadline member %q", m)
	}
	userID, err := strconv.ParseInt(user, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed deadline member %q: %w", m, err)
	}
	position, err := strconv.Atoi(pos)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed deadline member %q: %w", m, err)
	}
	return userID, position, nil
}

// popScript removes and returns up to ARGV[2] members due at or before ARGV[1],
// interleaved with their scores.
var popScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, tonumber(ARGV[2]))
for i = 1, #due, 2 do
  redis.call('ZREM', KEYS[1], due[i])
end
return due
`)

// Queue stores question deadlines in Redis so they survive a restart.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed deadline queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// Schedule arms the deadline for (userID, position), replacing any earlier due time.
func (q *Queue) Schedule(ctx context.Context, userID int64, position int, at time.Time) error {
	z := redis.Z{Score: float64(at.UnixMilli()), Member: member(userID, position)}
	if err := q.client.ZAdd(ctx, KeyDeadlines, z).Err(); err != nil {
		return fmt.Errorf("zadd: %w", err)
	}
	q.logger.Debug("deadline scheduled", zap.Int64("user_id", userID), zap.Int("position", position), zap.Time("due", at))
	return nil
}

// Cancel disarms the deadline for (userID, position). Cancelling a missing deadline is not an error.
func (q *Queue) Cancel(ctx context.Context, userID int64, position int) error {
	m := member(userID, position)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, KeyDeadlines, m)
		pipe.HDel(ctx, KeyAttempts, m)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel deadline %s: %w", m, err)
	}
	return nil
}

// PopDue atomically removes and returns up to limit deadlines due at or before now.
// Malformed members are dropped.
func (q *Queue) PopDue(ctx context.Context, now time.Time, limit int) ([]Deadline, error) {
	if limit <= 0 {
		limit = 1
	}
	raw, err := popScript.Run(ctx, q.client, []string{KeyDeadlines}, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("pop due deadlines: %w", err)
	}
	out := make([]Deadline, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		userID, position, err := parseMember(raw[i])
		if err != nil {
			q.logger.Warn("dropping deadline", zap.Error(err))
			continue
		}
		score, err := strconv.ParseFloat(raw[i+1], 64)
		if err != nil {
			q.logger.Warn("dropping deadline with bad score", zap.String("member", raw[i]), zap.Error(err))
			continue
		}
		out = append(out, Deadline{UserID: userID, Position: position, Due: time.UnixMilli(int64(score))})
	}
	return out, nil
}

// Retry re-arms a deadline after RetryBackoff. If it failed MaxRetries times, pushes it to the DLQ instead.
func (q *Queue) Retry(ctx context.Context, d Deadline) error {
	m := d.Member()
	attempt, err := q.client.HIncrBy(ctx, KeyAttempts, m, 1).Result()
	if err != nil {
		return fmt.Errorf("count attempt %s: %w", m, err)
	}
	d.Attempt = int(attempt)
	if d.Attempt >= MaxRetries {
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, KeyDLQ, raw)
			pipe.HDel(ctx, KeyAttempts, m)
			return nil
		})
		if err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("deadline", m))
			return err
		}
		q.logger.Warn("deadline moved to DLQ", zap.String("deadline", m), zap.Int("attempt", d.Attempt))
		return nil
	}
	if err := q.Schedule(ctx, d.UserID, d.Position, time.Now().Add(RetryBackoff)); err != nil {
		return err
	}
	q.logger.Info("deadline retried", zap.String("deadline", m), zap.Int("attempt", d.Attempt))
	return nil
}

// Done clears the retry counter of a handled deadline.
func (q *Queue) Done(ctx context.Context, d Deadline) error {
	if err := q.client.HDel(ctx, KeyAttempts, d.Member()).Err(); err != nil {
		return fmt.Errorf("clear attempts %s: %w", d.Member(), err)
	}
	return nil
}

// Pending returns the number of armed deadlines.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, KeyDeadlines).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard: %w", err)
	}
	return n, nil
}

// DeadLetters returns deadlines that exhausted their retries.
func (q *Queue) DeadLetters(ctx context.Context) ([]Deadline, error) {
	raw, err := q.client.LRange(ctx, KeyDLQ, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}
	out := make([]Deadline, 0, len(raw))
	for _, r := range raw {
		var d Deadline
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			q.logger.Warn("invalid dead letter", zap.String("raw", r), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
