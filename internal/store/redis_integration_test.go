//go:build integration

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

type RedisSuite struct {
	suite.Suite
	ctx       context.Context
	container *tcredis.RedisContainer
	store     *Redis
}

func TestRedisSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisSuite))
}

func (s *RedisSuite) SetupSuite() {
	s.ctx = context.Background()

	c, err := tcredis.Run(s.ctx, "redis:7-alpine")
	s.Require().NoError(err)
	s.container = c

	url, err := c.ConnectionString(s.ctx)
	s.Require().NoError(err)

	st, err := OpenRedis(s.ctx, url)
	s.Require().NoError(err)
	s.store = st
}

func (s *RedisSuite) TearDownSuite() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *RedisSuite) SetupTest() {
	s.Require().NoError(s.store.client.FlushAll(s.ctx).Err())
}

func (s *RedisSuite) TestRoundTrip() {
	_, ok, err := s.store.Get(s.ctx, "example.com")
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.store.Put(s.ctx, "example.com", "No match for \"EXAMPLE.COM\"."))

	text, ok, err := s.store.Get(s.ctx, "example.com")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("No match for \"EXAMPLE.COM\".", text)
}

func (s *RedisSuite) TestKeysStripPrefix() {
	s.Require().NoError(s.store.Put(s.ctx, "b.com", "B"))
	s.Require().NoError(s.store.Put(s.ctx, "a.com", "A"))

	keys, err := s.store.Keys(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"a.com", "b.com"}, keys)
}
