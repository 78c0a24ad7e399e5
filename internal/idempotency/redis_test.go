package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, _ := newMiniredisStore(t)
		return s
	})
}

type RedisStoreTestSuite struct {
	suite.Suite
	mr    *miniredis.Miniredis
	store *RedisStore
	guard *Guard
	ctx   context.Context
}

func (s *RedisStoreTestSuite) SetupTest() {
	var err error
	s.mr, err = miniredis.Run()
	s.Require().NoError(err)

	s.store = NewRedisStore(redis.NewClient(&redis.Options{Addr: s.mr.Addr()}))
	s.guard = NewGuard(s.store, time.Hour, time.Minute)
	s.ctx = context.Background()
}

func (s *RedisStoreTestSuite) TearDownTest() {
	_ = s.store.Close()
	s.mr.Close()
}

func TestRedisStoreTestSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreTestSuite))
}

func (s *RedisStoreTestSuite) TestClaimSetsRetentionTTL() {
	d, err := s.guard.ShouldProcess(s.ctx, "evt-1")
	s.Require().NoError(err)
	s.Require().True(d.Proceed)

	key := "sgdrift:idempotency:evt-1"
	s.True(s.mr.Exists(key))
	s.InDelta(time.Hour.Seconds(), s.mr.TTL(key).Seconds(), 2)
}

func (s *RedisStoreTestSuite) TestCommitKeepsRecordUntilRetentionEnds() {
	d, err := s.guard.ShouldProcess(s.ctx, "evt-1")
	s.Require().NoError(err)
	s.Require().NoError(s.guard.Commit(s.ctx, d))

	rec, err := s.store.Get(s.ctx, "evt-1")
	s.Require().NoError(err)
	s.Require().NotNil(rec)
	s.Equal(StatusProcessed, rec.Status)

	dup, err := s.guard.ShouldProcess(s.ctx, "evt-1")
	s.Require().NoError(err)
	s.False(dup.Proceed)

	s.mr.FastForward(61 * time.Minute)
	rec, err = s.store.Get(s.ctx, "evt-1")
	s.Require().NoError(err)
	s.Nil(rec)
}

func (s *RedisStoreTestSuite) TestReleaseDeletesKey() {
	d, err := s.guard.ShouldProcess(s.ctx, "evt-1")
	s.Require().NoError(err)
	s.Require().NoError(s.guard.Release(s.ctx, d))
	s.False(s.mr.Exists("sgdrift:idempotency:evt-1"))
}

func (s *RedisStoreTestSuite) TestUnreachableServerIsStoreUnavailable() {
	down := NewRedisStore(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1}))
	defer down.Close()

	_, err := NewGuard(down, time.Hour, time.Minute).ShouldProcess(s.ctx, "evt-1")
	s.True(faults.Is(err, faults.StoreUnavailable), "err = %v", err)
	s.Error(down.Ping(s.ctx))
}

func (s *RedisStoreTestSuite) TestCorruptValueSurfacesError() {
	s.Require().NoError(s.mr.Set("sgdrift:idempotency:evt-1", "{not json"))
	_, err := s.store.Get(s.ctx, "evt-1")
	s.Error(err)
}
