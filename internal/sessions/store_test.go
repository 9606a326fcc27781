package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testLimit = 30
	testTTL   = 40 * time.Second
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, testLimit, nil), mr
}

func TestBeginInitialisesSession(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(markerKey(7, 0, MarkerSkipped), "1"))

	require.NoError(t, s.Begin(ctx, 7, "round-a"))

	p, err := s.Progress(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Position)
	assert.Equal(t, 0, p.Correct)
	assert.False(t, p.Finished)
	assert.False(t, mr.Exists(markerKey(7, 0, MarkerSkipped)))

	round, err := s.SessionRound(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "round-a", round)

	ids, err := s.ListRegisteredUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)
}

func TestClaimAnswerScoresAndAdvances(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Begin(ctx, 1, "r"))
	require.NoError(t, s.ArmQuestion(ctx, 1, 0, testTTL))

	res, err := s.Claim(ctx, 1, 0, MarkerAnswered, true, testLimit, testTTL)
	require.NoError(t, err)
	assert.Equal(t, ClaimOK, res)

	n, err := s.CorrectCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pos, err := s.Position(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	answered, err := s.Marker(ctx, 1, 0, MarkerAnswered)
	require.NoError(t, err)
	assert.True(t, answered)
	assert.True(t, mr.TTL(markerKey(1, 0, MarkerAnswered)) > 0, "answered marker keeps its expiry")
}

func TestClaimDuplicateAnswerDoesNotDoubleCount(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Begin(ctx, 1, "r"))
	require.NoError(t, s.ArmQuestion(ctx, 1, 0, testTTL))

	_, err := s.Claim(ctx, 1, 0, MarkerAnswered, true, testLimit, testTTL)
	require.NoError(t, err)
	res, err := s.Claim(ctx, 1, 0, MarkerAnswered, true, testLimit, testTTL)
	require.NoError(t, err)
	assert.Equal(t, ClaimStale, res, "position already advanced")

	n, err := s.CorrectCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClaimLatchAnswerThenTimeout(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Begin(ctx, 1, "r"))
	require.NoError(t, s.ArmQuestion(ctx, 1, 0, testTTL))

	res, err := s.Claim(ctx, 1, 0, MarkerAnswered, false, testLimit, testTTL)
	require.NoError(t, err)
	assert.Equal(t, ClaimOK, res)

	// Roll the position back to simulate the timeout racing in before the advance is observed.
	require.NoError(t, mr.Set(positionKey(1), "0"))
	res, err = s.Claim(ctx, 1, 0, MarkerSkipped, false, testLimit, testTTL)
	require.NoError(t, err)
	assert.Equal(t, ClaimTaken, res)

	skipped, err := s.Marker(ctx, 1, 0, MarkerSkipped)
	require.NoError(t, err)
	assert.False(t, skipped)
}

func TestClaimLatchTimeoutThenAnswer(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Begin(ctx, 1, "r"))
	require.NoError(t, s.ArmQuestion(ctx, 1, 3, testTTL))
	require.NoError(t, mr.Set(positionKey(1), "3"))

	res, err := s.Claim(ctx, 1, 3, MarkerSkipped, false, testLimit, testTTL)
	require.NoError(t, err)
	assert.Equal(t, ClaimOK, res)

	require.NoError(t, mr.Set(positionKey(1), "3"))
	res, err = s.Claim(ctx, 1, 3, MarkerAnswered, true, testLimit, testTTL)
	require.NoError(t, err)
	assert.Equal(t, ClaimTaken, res)

	answered, err := s.Marker(ctx, 1, 3, MarkerAnswered)
	require.NoError(t, err)
	assert.False(t, answered)
	n, err := s.CorrectCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClaimAfterMarkerExpired(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Begin(ctx, 1, "r"))
	require.NoError(t, s.ArmQuestion(ctx, 1, 0, testTTL))
	mr.FastForward(time.Minute)
	assert.False(t, mr.Exists(markerKey(1, 0, MarkerAnswered)))

	res, err := s.Claim(ctx, 1, 0, MarkerSkipped, false, testLimit, testTTL)
	require.NoError(t, err)
	assert.Equal(t, ClaimOK, res)
}

func TestClaimWithoutSessionIsStale(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	res, err := s.Claim(context.Background(), 99, 0, MarkerAnswered, true, testLimit, testTTL)
	require.NoError(t, err)
	assert.Equal(t, ClaimStale, res)
}

func TestClaimNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Begin(ctx, 1, "r"))
	require.NoError(t, mr.Set(correctKey(1), "2"))
	require.NoError(t, mr.Set(positionKey(1), "2"))

	res, err := s.Claim(ctx, 1, 2, MarkerAnswered, true, 2, testTTL)
	require.NoError(t, err)
	assert.Equal(t, ClaimOK, res)
	n, err := s.CorrectCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMarkFinishedOnlyOnce(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Begin(ctx, 1, "r"))

	first, err := s.MarkFinished(ctx, 1)
	require.NoError(t, err)
	second, err := s.MarkFinished(ctx, 1)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	done, err := s.Finished(ctx, 1)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestResetUserKeepsRegistration(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Begin(ctx, 5, "r"))
	require.NoError(t, s.ArmQuestion(ctx, 5, 0, testTTL))
	_, err := s.Claim(ctx, 5, 0, MarkerAnswered, true, testLimit, testTTL)
	require.NoError(t, err)
	require.NoError(t, mr.Set(markerKey(5, 29, MarkerSkipped), "1"))
	_, err = s.MarkFinished(ctx, 5)
	require.NoError(t, err)

	require.NoError(t, s.ResetUser(ctx, 5))

	for _, k := range []string{correctKey(5), finishedKey(5), positionKey(5), roundKey(5),
		markerKey(5, 0, MarkerAnswered), markerKey(5, 29, MarkerSkipped)} {
		assert.False(t, mr.Exists(k), "%s should be gone", k)
	}
	_, err = s.Position(ctx, 5)
	assert.ErrorIs(t, err, ErrNoSession)

	ids, err := s.ListRegisteredUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids)
}

func TestResetAllAndRegistrationSet(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	ctx := context.Background()
	for _, id := range []int64{30, 10, 20} {
		require.NoError(t, s.Begin(ctx, id, "r"))
		_, err := s.MarkFinished(ctx, id)
		require.NoError(t, err)
	}
	_, err := mr.SAdd(KeyRegistered, "not-a-number")
	require.NoError(t, err)

	n, err := s.ResetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []int64{10, 20, 30} {
		done, err := s.Finished(ctx, id)
		require.NoError(t, err)
		assert.False(t, done)
	}
	ids, err := s.ListRegisteredUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, ids)

	require.NoError(t, s.UnregisterUser(ctx, 20))
	require.NoError(t, s.RegisterUser(ctx, 40))
	ids, err = s.ListRegisteredUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 30, 40}, ids)
}
