package rounds

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-trivia/bot/internal/models"
)

func newTestLedger(t *testing.T, seed int64, lifetime time.Duration) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLedger(client, rand.New(rand.NewSource(seed)), lifetime, nil), mr
}

func assertDistinct(t *testing.T, idx []int, poolSize int) {
	t.Helper()
	seen := map[int]bool{}
	for _, i := range idx {
		assert.False(t, seen[i], "duplicate index %d", i)
		assert.True(t, i >= 0 && i < poolSize, "index %d out of pool", i)
		seen[i] = true
	}
}

func TestDrawRoundSelectsDistinctIndices(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t, 1, 0)
	ctx := context.Background()

	round, err := ledger.DrawRound(ctx, 100, 30)
	require.NoError(t, err)
	assert.Len(t, round.Questions, 30)
	assertDistinct(t, round.Questions, 100)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", round.ID.String())

	used, err := ledger.Used(ctx)
	require.NoError(t, err)
	assert.Equal(t, round.Questions, used)
}

func TestDrawRoundNeverReusesUntilExhausted(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t, 7, 0)
	ctx := context.Background()

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		round, err := ledger.DrawRound(ctx, 100, 30)
		require.NoError(t, err)
		for _, q := range round.Questions {
			assert.False(t, seen[q], "index %d reused in draw %d", q, i)
			seen[q] = true
		}
	}
	used, err := ledger.Used(ctx)
	require.NoError(t, err)
	assert.Len(t, used, 90)
}

func TestDrawRoundResetsLedgerWhenTooFewRemain(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t, 42, 0)
	ctx := context.Background()

	first, err := ledger.DrawRound(ctx, 40, 30)
	require.NoError(t, err)
	used, err := ledger.Used(ctx)
	require.NoError(t, err)
	assert.Len(t, used, 30)

	// Only 10 unused remain, so the second draw starts a fresh cycle.
	second, err := ledger.DrawRound(ctx, 40, 30)
	require.NoError(t, err)
	assert.Len(t, second.Questions, 30)
	assertDistinct(t, second.Questions, 40)

	used, err = ledger.Used(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Questions, used)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDrawRoundUsesWholePoolWhenLengthsMatch(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t, 3, 0)
	round, err := ledger.DrawRound(context.Background(), 5, 5)
	require.NoError(t, err)

	got := append([]int(nil), round.Questions...)
	sort.Ints(got)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestDrawRoundPoolTooSmall(t *testing.T) {
	t.Parallel()

	ledger, mr := newTestLedger(t, 1, 0)
	_, err := ledger.DrawRound(context.Background(), 10, 30)

	var pe *PoolExhaustedError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 10, pe.PoolSize)
	assert.Equal(t, 30, pe.RoundLength)
	assert.False(t, mr.Exists(KeyRound))
	assert.False(t, mr.Exists(KeyUsed))
}

func TestDrawRoundIgnoresStaleLedgerEntries(t *testing.T) {
	t.Parallel()

	ledger, mr := newTestLedger(t, 5, 0)
	// Ledger written against a larger pool that has since shrunk.
	require.NoError(t, mr.Set(KeyUsed, "[0,1,2,50,60,1]"))

	round, err := ledger.DrawRound(context.Background(), 10, 5)
	require.NoError(t, err)
	for _, q := range round.Questions {
		assert.NotContains(t, []int{0, 1, 2}, q)
	}
	used, err := ledger.Used(context.Background())
	require.NoError(t, err)
	assert.Len(t, used, 8)
}

func TestDrawRoundIsUniformEnough(t *testing.T) {
	t.Parallel()

	ledger, mr := newTestLedger(t, 99, 0)
	ctx := context.Background()
	counts := make([]int, 10)
	const draws = 1000
	for i := 0; i < draws; i++ {
		mr.Del(KeyUsed)
		round, err := ledger.DrawRound(ctx, 10, 3)
		require.NoError(t, err)
		for _, q := range round.Questions {
			counts[q]++
		}
	}
	// Each index is expected 300 times; allow generous slack.
	for i, c := range counts {
		assert.InDelta(t, draws*3/10, c, 90, "index %d drawn %d times", i, c)
	}
}

func TestCurrentRound(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t, 11, 48*time.Hour)
	fixed := time.Date(2026, 10, 16, 18, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return fixed }
	ctx := context.Background()

	empty, err := ledger.CurrentRound(ctx)
	require.NoError(t, err)
	assert.True(t, empty.Empty())

	drawn, err := ledger.DrawRound(ctx, 20, 4)
	require.NoError(t, err)

	got, err := ledger.CurrentRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, drawn.Questions, got.Questions)
	assert.Equal(t, drawn.ID, got.ID)
	assert.True(t, fixed.Equal(got.DrawnAt))
	assert.True(t, fixed.Add(48*time.Hour).Equal(got.ExpiresAt))
	assert.False(t, got.Closed(fixed.Add(47*time.Hour)))
	assert.True(t, got.Closed(fixed.Add(48*time.Hour)))
}

func TestCurrentRoundWithoutMetadata(t *testing.T) {
	t.Parallel()

	ledger, mr := newTestLedger(t, 1, 0)
	require.NoError(t, mr.Set(KeyRound, "[4,2,9]"))

	got, err := ledger.CurrentRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 9}, got.Questions)
	assert.False(t, got.Closed(time.Now()))
}

func TestConcurrentDrawsNeverInterleave(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t, 11, 0)
	ctx := context.Background()

	const draws, length = 8, 10
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		drawn  []models.Round
		failed int
	)
	for i := 0; i < draws; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			round, err := ledger.DrawRound(ctx, 1000, length)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrDrawConflict)
				failed++
				return
			}
			drawn = append(drawn, round)
		}()
	}
	wg.Wait()
	require.NotEmpty(t, drawn)
	assert.Equal(t, draws, len(drawn)+failed)

	used, err := ledger.Used(ctx)
	require.NoError(t, err)
	assert.Len(t, used, len(drawn)*length)
	assertDistinct(t, used, 1000)

	current, err := ledger.CurrentRound(ctx)
	require.NoError(t, err)
	matches := 0
	for _, r := range drawn {
		if r.ID == current.ID {
			assert.Equal(t, r.Questions, current.Questions)
			matches++
		}
	}
	assert.Equal(t, 1, matches)
}

// conflictingLedger rewrites the used ledger from another connection inside the draw
// transaction for the first n attempts.
func conflictingLedger(t *testing.T, n int) (*Ledger, *int) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		_ = other.Close()
	})

	ledger := NewLedger(client, rand.New(rand.NewSource(3)), 0, nil)
	attempts := 0
	ledger.now = func() time.Time {
		attempts++
		if attempts <= n {
			require.NoError(t, other.Set(context.Background(), KeyUsed, "[]", 0).Err())
		}
		return time.Date(2026, 10, 16, 18, 0, 0, 0, time.UTC)
	}
	return ledger, &attempts
}

func TestDrawRoundRetriesAfterConflict(t *testing.T) {
	t.Parallel()

	ledger, attempts := conflictingLedger(t, 2)
	round, err := ledger.DrawRound(context.Background(), 50, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, *attempts)

	used, err := ledger.Used(context.Background())
	require.NoError(t, err)
	assert.Equal(t, round.Questions, used)
}

func TestDrawRoundGivesUpAfterRepeatedConflicts(t *testing.T) {
	t.Parallel()

	ledger, attempts := conflictingLedger(t, maxDrawAttempts)
	_, err := ledger.DrawRound(context.Background(), 50, 10)
	require.ErrorIs(t, err, ErrDrawConflict)
	assert.Equal(t, maxDrawAttempts, *attempts)

	current, err := ledger.CurrentRound(context.Background())
	require.NoError(t, err)
	assert.True(t, current.Empty())
}
