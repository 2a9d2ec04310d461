package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SQLiteSuite struct {
	suite.Suite
	ctx   context.Context
	path  string
	store *SQLite
}

func TestSQLiteSuite(t *testing.T) {
	suite.Run(t, new(SQLiteSuite))
}

func (s *SQLiteSuite) SetupTest() {
	s.ctx = context.Background()
	s.path = filepath.Join(s.T().TempDir(), "whois.cache")

	st, err := OpenSQLite(s.ctx, s.path)
	s.Require().NoError(err)
	s.store = st
}

func (s *SQLiteSuite) TestGetMissingKey() {
	text, ok, err := s.store.Get(s.ctx, "example.com")
	s.Require().NoError(err)
	s.False(ok)
	s.Empty(text)
}

func (s *SQLiteSuite) TestPutThenGet() {
	raw := "domain_name: example.com\nregistrant_name: Example Org\n"
	s.Require().NoError(s.store.Put(s.ctx, "example.com", raw))

	text, ok, err := s.store.Get(s.ctx, "example.com")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(raw, text)
}

func (s *SQLiteSuite) TestPutIsIdempotentUpsert() {
	s.Require().NoError(s.store.Put(s.ctx, "example.com", "first"))
	s.Require().NoError(s.store.Put(s.ctx, "example.com", "second"))

	text, ok, err := s.store.Get(s.ctx, "example.com")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("second", text)

	keys, err := s.store.Keys(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"example.com"}, keys)
}

func (s *SQLiteSuite) TestSurvivesReopen() {
	s.Require().NoError(s.store.Put(s.ctx, "b.com", "B"))
	s.Require().NoError(s.store.Put(s.ctx, "a.com", "A"))

	reopened, err := OpenSQLite(s.ctx, s.path)
	s.Require().NoError(err)

	text, ok, err := reopened.Get(s.ctx, "a.com")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("A", text)

	keys, err := reopened.Keys(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"a.com", "b.com"}, keys)
}

func (s *SQLiteSuite) TestNoHandleHeldBetweenCalls() {
	s.Require().NoError(s.store.Put(s.ctx, "example.com", "x"))

	// The file can be moved away and back: nothing keeps it open.
	moved := s.path + ".moved"
	s.Require().NoError(os.Rename(s.path, moved))
	s.Require().NoError(os.Rename(moved, s.path))

	_, ok, err := s.store.Get(s.ctx, "example.com")
	s.Require().NoError(err)
	s.True(ok)
}

func TestOpenSQLite_MissingDirectory(t *testing.T) {
	_, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nope", "whois.cache"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStore))
}

func TestOpen_PicksBackend(t *testing.T) {
	ctx := context.Background()

	st, err := Open(ctx, filepath.Join(t.TempDir(), "whois.cache"))
	require.NoError(t, err)
	require.IsType(t, &SQLite{}, st)
	require.NoError(t, st.Close())

	_, err = Open(ctx, "redis://user:pass@[bad")
	require.ErrorIs(t, err, ErrStore)
}

func TestSQLite_PragmaFailureIsStoreError(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "whois.cache"))
	require.NoError(t, err)

	st.pragmas = append(append([]string(nil), st.pragmas...), "PRAGMA (;")

	err = st.Put(ctx, "example.com", "Domain Name: EXAMPLE.COM")
	require.ErrorIs(t, err, ErrStore)

	_, _, err = st.Get(ctx, "example.com")
	require.ErrorIs(t, err, ErrStore)
}
