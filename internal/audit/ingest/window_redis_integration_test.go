//go:build integration

package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"auditvault/pkg/testutil/containers"
)

type RedisWindowSuite struct {
	suite.Suite
	redis  *containers.RedisContainer
	window *RedisWindow
	base   time.Time
}

func TestRedisWindowSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisWindowSuite))
}

func (s *RedisWindowSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.window = NewRedisWindow(s.redis.Client, 2*time.Minute)
	s.base = time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
}

func (s *RedisWindowSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisWindowSuite) TestSlidingCount() {
	ctx := context.Background()

	n, err := s.window.Observe(ctx, "u-1:ACCESS_DENIED", s.base)
	s.Require().NoError(err)
	s.Equal(1, n)
	n, err = s.window.Observe(ctx, "u-1:ACCESS_DENIED", s.base.Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(2, n)
	n, err = s.window.Observe(ctx, "u-1:ACCESS_DENIED", s.base.Add(2*time.Minute))
	s.Require().NoError(err)
	s.Equal(2, n)
}

func (s *RedisWindowSuite) TestResetAndExpiry() {
	ctx := context.Background()
	key := "u-2:LOGIN_FAILED"

	_, err := s.window.Observe(ctx, key, s.base)
	s.Require().NoError(err)
	ttl, err := s.redis.Client.PTTL(ctx, failureKeyPrefix+key).Result()
	s.Require().NoError(err)
	s.Positive(ttl)

	s.Require().NoError(s.window.Reset(ctx, key))
	n, err := s.window.Observe(ctx, key, s.base.Add(time.Second))
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *RedisWindowSuite) TestConcurrentObserversAgree() {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.window.Observe(ctx, "shared", s.base.Add(time.Duration(i)*time.Millisecond))
			s.NoError(err)
		}()
	}
	wg.Wait()

	n, err := s.window.Observe(ctx, "shared", s.base.Add(time.Second))
	s.Require().NoError(err)
	s.Equal(11, n)
}
