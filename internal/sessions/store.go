// Package sessions is the durable per-user quiz state kept in Redis: counters,
// completion flag, current position, per-question markers and the registration set.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-trivia/bot/internal/models"
)

// KeyRegistered is the set of every user who ever accepted an invitation.
const KeyRegistered = "registered_users"

// Marker names a per-question flag.
type Marker string

const (
	MarkerAnswered Marker = "answered"
	MarkerSkipped  Marker = "skipped"
)

// ClaimResult is the outcome of trying to close a question position.
type ClaimResult int

const (
	// ClaimStale means the position is not the user's current one.
	ClaimStale ClaimResult = iota
	// ClaimTaken means an answer or timeout already closed the position.
	ClaimTaken
	// ClaimOK means this call closed the position and advanced the session.
	ClaimOK
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimStale:
		return "stale"
	case ClaimTaken:
		return "taken"
	case ClaimOK:
		return "ok"
	}
	return "unknown"
}

// ErrNoSession is returned when a user has no recorded position.
var ErrNoSession = errors.New("no active session")

// claimScript is the answered/skipped latch. It checks the recorded position, refuses if
// either marker is already set, then sets the outcome marker, scores, and advances, all atomically.
//
// KEYS: position, answered, skipped, correct_answers
// ARGV: position, outcome, correct(0|1), limit, answered ttl ms
var claimScript = redis.NewScript(`
local pos = redis.call('GET', KEYS[1])
if pos ~= ARGV[1] then
  return 0
end
if redis.call('GET', KEYS[2]) == '1' or redis.call('GET', KEYS[3]) == '1' then
  return 1
end
if ARGV[2] == 'answered' then
  local ttl = redis.call('PTTL', KEYS[2])
  if ttl <= 0 then
    ttl = tonumber(ARGV[5])
  end
  if ttl > 0 then
    redis.call('SET', KEYS[2], '1', 'PX', ttl)
  else
    redis.call('SET', KEYS[2], '1')
  end
  if ARGV[3] == '1' then
    local n = tonumber(redis.call('GET', KEYS[4]) or '0')
    if n < tonumber(ARGV[4]) then
      redis.call('INCR', KEYS[4])
    end
  end
else
  redis.call('SET', KEYS[3], '1')
end
redis.call('SET', KEYS[1], tostring(tonumber(ARGV[1]) + 1))
return 2
`)

// Store reads and writes session state.
type Store struct {
	client *redis.Client
	// maxPositions bounds the per-question markers removed on reset.
	maxPositions int
	logger       *zap.Logger
}

// NewStore creates a session store. maxPositions is the longest round the bot runs.
func NewStore(client *redis.Client, maxPositions int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPositions < 1 {
		maxPositions = 1
	}
	return &Store{client: client, maxPositions: maxPositions, logger: logger}
}

func userKey(userID int64, suffix string) string {
	return strconv.FormatInt(userID, 10) + ":" + suffix
}

func correctKey(userID int64) string  { return userKey(userID, "correct_answers") }
func finishedKey(userID int64) string { return userKey(userID, "finished") }
func positionKey(userID int64) string { return userKey(userID, "position") }
func roundKey(userID int64) string    { return userKey(userID, "round") }

func markerKey(userID int64, position int, m Marker) string {
	return userKey(userID, fmt.Sprintf("q%d:%s", position, m))
}

func (s *Store) markerKeys(userID int64) []string {
	keys := make([]string, 0, 2*s.maxPositions)
	for i := 0; i < s.maxPositions; i++ {
		keys = append(keys, markerKey(userID, i, MarkerAnswered), markerKey(userID, i, MarkerSkipped))
	}
	return keys
}

// Begin starts a fresh session for roundID: zeroed counters, position 0, markers cleared,
// and the user added to the registration set.
func (s *Store) Begin(ctx context.Context, userID int64, roundID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.markerKeys(userID)...)
		pipe.Set(ctx, correctKey(userID), 0, 0)
		pipe.Set(ctx, finishedKey(userID), 0, 0)
		pipe.Set(ctx, positionKey(userID), 0, 0)
		pipe.Set(ctx, roundKey(userID), roundID, 0)
		pipe.SAdd(ctx, KeyRegistered, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("begin session %d: %w", userID, err)
	}
	return nil
}

// SessionRound returns the round id the user's session was started for, or "" if none.
func (s *Store) SessionRound(ctx context.Context, userID int64) (string, error) {
	v, err := s.client.Get(ctx, roundKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session round %d: %w", userID, err)
	}
	return v, nil
}

// Finished reports whether the completion flag is set.
func (s *Store) Finished(ctx context.Context, userID int64) (bool, error) {
	v, err := s.client.Get(ctx, finishedKey(userID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read finished %d: %w", userID, err)
	}
	return v == "1", nil
}

// MarkFinished sets the completion flag and reports whether this call set it.
func (s *Store) MarkFinished(ctx context.Context, userID int64) (bool, error) {
	old, err := s.client.GetSet(ctx, finishedKey(userID), 1).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("mark finished %d: %w", userID, err)
	}
	return old != "1", nil
}

// CorrectCount returns the running correct-answer count.
func (s *Store) CorrectCount(ctx context.Context, userID int64) (int, error) {
	n, err := s.client.Get(ctx, correctKey(userID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read correct answers %d: %w", userID, err)
	}
	return n, nil
}

// Position returns the user's current question position, or ErrNoSession.
func (s *Store) Position(ctx context.Context, userID int64) (int, error) {
	n, err := s.client.Get(ctx, positionKey(userID)).Int()
	if err == redis.Nil {
		return 0, ErrNoSession
	}
	if err != nil {
		return 0, fmt.Errorf("read position %d: %w", userID, err)
	}
	return n, nil
}

// Progress returns counters and completion state in one round trip.
func (s *Store) Progress(ctx context.Context, userID int64) (models.Progress, error) {
	vals, err := s.client.MGet(ctx, correctKey(userID), finishedKey(userID), positionKey(userID)).Result()
	if err != nil {
		return models.Progress{}, fmt.Errorf("read progress %d: %w", userID, err)
	}
	p := models.Progress{UserID: userID}
	p.Correct = atoiOrZero(vals[0])
	p.Finished = atoiOrZero(vals[1]) == 1
	p.Position = atoiOrZero(vals[2])
	return p, nil
}

func atoiOrZero(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// ArmQuestion sets the answered marker to 0 with the given ttl and clears any skipped marker
// left for the same position.
func (s *Store) ArmQuestion(ctx context.Context, userID int64, position int, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, markerKey(userID, position, MarkerAnswered), 0, ttl)
		pipe.Del(ctx, markerKey(userID, position, MarkerSkipped))
		return nil
	})
	if err != nil {
		return fmt.Errorf("arm question %d/%d: %w", userID, position, err)
	}
	return nil
}

// Claim closes position with outcome if it is still the user's current, unclaimed position.
// A correct answer increments the count, never beyond limit. answeredTTL is used only
// when the armed marker has already expired.
func (s *Store) Claim(ctx context.Context, userID int64, position int, outcome Marker, correct bool, limit int, answeredTTL time.Duration) (ClaimResult, error) {
	keys := []string{
		positionKey(userID),
		markerKey(userID, position, MarkerAnswered),
		markerKey(userID, position, MarkerSkipped),
		correctKey(userID),
	}
	c := "0"
	if correct && outcome == MarkerAnswered {
		c = "1"
	}
	res, err := claimScript.Run(ctx, s.client, keys, position, string(outcome), c, limit, answeredTTL.Milliseconds()).Int()
	if err != nil {
		return ClaimStale, fmt.Errorf("claim %d/%d: %w", userID, position, err)
	}
	return ClaimResult(res), nil
}

// Marker reports whether a per-question marker is set to 1.
func (s *Store) Marker(ctx context.Context, userID int64, position int, m Marker) (bool, error) {
	v, err := s.client.Get(ctx, markerKey(userID, position, m)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read marker %d/%d/%s: %w", userID, position, m, err)
	}
	return v == "1", nil
}

// RegisterUser adds the user to the invitation list.
func (s *Store) RegisterUser(ctx context.Context, userID int64) error {
	if err := s.client.SAdd(ctx, KeyRegistered, userID).Err(); err != nil {
		return fmt.Errorf("register %d: %w", userID, err)
	}
	return nil
}

// UnregisterUser removes the user from the invitation list. Progress keys are not touched.
func (s *Store) UnregisterUser(ctx context.Context, userID int64) error {
	if err := s.client.SRem(ctx, KeyRegistered, userID).Err(); err != nil {
		return fmt.Errorf("unregister %d: %w", userID, err)
	}
	return nil
}

// ListRegisteredUsers returns registered user ids in ascending order.
func (s *Store) ListRegisteredUsers(ctx context.Context) ([]int64, error) {
	members, err := s.client.SMembers(ctx, KeyRegistered).Result()
	if err != nil {
		return nil, fmt.Errorf("list registered users: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.logger.Warn("skipping malformed registered user", zap.String("member", m))
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ResetUser deletes every per-user key, including all per-question markers.
// The registration set is left alone.
func (s *Store) ResetUser(ctx context.Context, userID int64) error {
	keys := append([]string{
		correctKey(userID),
		finishedKey(userID),
		positionKey(userID),
		roundKey(userID),
	}, s.markerKeys(userID)...)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset %d: %w", userID, err)
	}
	return nil
}

// ResetAll resets every registered user and returns how many were reset.
func (s *Store) ResetAll(ctx context.Context) (int, error) {
	ids, err := s.ListRegisteredUsers(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.ResetUser(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
