// Package rounds draws question selections for each round and remembers which
// pool questions were already used, so rounds do not repeat until the pool is exhausted.
package rounds

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-trivia/bot/internal/models"
)

const (
	// KeyRound holds the current selection as a JSON array of pool indices.
	KeyRound = "weekly_questions"
	// KeyUsed holds every pool index consumed since the last ledger reset.
	KeyUsed = "used_questions"
	// KeyRoundMeta holds id and timestamps of the current round.
	KeyRoundMeta = "weekly_round"

	maxDrawAttempts = 5
)

// ErrDrawConflict is returned when concurrent draws kept invalidating this one.
var ErrDrawConflict = errors.New("ledger kept changing")

// PoolExhaustedError is returned when a round asks for more questions than the pool holds.
type PoolExhaustedError struct {
	PoolSize    int
	RoundLength int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("round needs %d questions but the pool only has %d", e.RoundLength, e.PoolSize)
}

type roundMeta struct {
	ID        uuid.UUID `json:"id"`
	DrawnAt   time.Time `json:"drawn_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Ledger persists the current round and the used-question ledger in Redis.
type Ledger struct {
	client   *redis.Client
	lifetime time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// NewLedger creates a ledger. rng may be nil, in which case a crypto-seeded source is used.
// lifetime sets Round.ExpiresAt; zero keeps rounds open until the next draw.
func NewLedger(client *redis.Client, rng *rand.Rand, lifetime time.Duration, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		rng = NewRand()
	}
	return &Ledger{client: client, rng: rng, lifetime: lifetime, logger: logger, now: time.Now}
}

// NewRand returns a math/rand source seeded from crypto/rand.
func NewRand() *rand.Rand {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(b[:]))))
}

// DrawRound selects roundLength distinct pool indices that are not in the used ledger.
// When fewer than roundLength unused indices remain the ledger is cleared first.
// The selection, ledger and round metadata are written in one transaction; a concurrent
// draw that touched the ledger in between forces a retry.
func (l *Ledger) DrawRound(ctx context.Context, poolSize, roundLength int) (models.Round, error) {
	if roundLength <= 0 {
		return models.Round{}, fmt.Errorf("round length must be positive, got %d", roundLength)
	}
	if roundLength > poolSize {
		return models.Round{}, &PoolExhaustedError{PoolSize: poolSize, RoundLength: roundLength}
	}

	var (
		round models.Round
		reset bool
	)
	txf := func(tx *redis.Tx) error {
		used, err := readIndices(ctx, tx, KeyUsed)
		if err != nil {
			return err
		}
		var selection, nextUsed []int
		selection, nextUsed, reset = l.pick(used, poolSize, roundLength)

		now := l.now().UTC()
		round = models.Round{ID: uuid.New(), Questions: selection, DrawnAt: now}
		if l.lifetime > 0 {
			round.ExpiresAt = now.Add(l.lifetime)
		}

		selJSON, err := json.Marshal(selection)
		if err != nil {
			return fmt.Errorf("marshal selection: %w", err)
		}
		usedJSON, err := json.Marshal(nextUsed)
		if err != nil {
			return fmt.Errorf("marshal ledger: %w", err)
		}
		metaJSON, err := json.Marshal(roundMeta{ID: round.ID, DrawnAt: round.DrawnAt, ExpiresAt: round.ExpiresAt})
		if err != nil {
			return fmt.Errorf("marshal round meta: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, KeyRound, selJSON, 0)
			pipe.Set(ctx, KeyUsed, usedJSON, 0)
			pipe.Set(ctx, KeyRoundMeta, metaJSON, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxDrawAttempts; attempt++ {
		err := l.client.Watch(ctx, txf, KeyUsed)
		if err == nil {
			l.logger.Info("round drawn",
				zap.String("round_id", round.ID.String()),
				zap.Int("questions", round.Len()),
				zap.Int("pool_size", poolSize),
				zap.Bool("ledger_reset", reset),
			)
			return round, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			l.logger.Debug("round draw conflicted, retrying", zap.Int("attempt", attempt+1))
			continue
		}
		return models.Round{}, fmt.Errorf("draw round: %w", err)
	}
	return models.Round{}, fmt.Errorf("draw round: %w after %d attempts", ErrDrawConflict, maxDrawAttempts)
}

// pick samples roundLength indices uniformly without replacement from the unused part of the pool.
func (l *Ledger) pick(used []int, poolSize, roundLength int) (selection, nextUsed []int, reset bool) {
	seen := make(map[int]struct{}, len(used))
	kept := make([]int, 0, len(used))
	for _, i := range used {
		if i < 0 || i >= poolSize {
			continue
		}
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		kept = append(kept, i)
	}

	available := make([]int, 0, poolSize-len(kept))
	for i := 0; i < poolSize; i++ {
		if _, ok := seen[i]; !ok {
			available = append(available, i)
		}
	}
	if len(available) < roundLength {
		reset = true
		kept = kept[:0]
		available = available[:0]
		for i := 0; i < poolSize; i++ {
			available = append(available, i)
		}
	}

	l.mu.Lock()
	for i := 0; i < roundLength; i++ {
		j := i + l.rng.Intn(len(available)-i)
		available[i], available[j] = available[j], available[i]
	}
	l.mu.Unlock()

	selection = make([]int, roundLength)
	copy(selection, available[:roundLength])
	nextUsed = append(kept, selection...)
	return selection, nextUsed, reset
}

// CurrentRound returns the last drawn round, or an empty round if none was ever drawn.
func (l *Ledger) CurrentRound(ctx context.Context) (models.Round, error) {
	vals, err := l.client.MGet(ctx, KeyRound, KeyRoundMeta).Result()
	if err != nil {
		return models.Round{}, fmt.Errorf("read current round: %w", err)
	}
	var round models.Round
	if s, ok := vals[0].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &round.Questions); err != nil {
			return models.Round{}, fmt.Errorf("decode %s: %w", KeyRound, err)
		}
	}
	if s, ok := vals[1].(string); ok && s != "" {
		var meta roundMeta
		if err := json.Unmarshal([]byte(s), &meta); err != nil {
			l.logger.Warn("ignoring unreadable round metadata", zap.Error(err))
		} else {
			round.ID, round.DrawnAt, round.ExpiresAt = meta.ID, meta.DrawnAt, meta.ExpiresAt
		}
	}
	return round, nil
}

// Used returns the used-question ledger.
func (l *Ledger) Used(ctx context.Context) ([]int, error) {
	return readIndices(ctx, l.client, KeyUsed)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readIndices(ctx context.Context, c getter, key string) ([]int, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	var out []int
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}
