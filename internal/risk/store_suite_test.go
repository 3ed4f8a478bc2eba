package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/mbd888/finaiguard/internal/compliance"
	"github.com/mbd888/finaiguard/internal/pagination"
)

// StoreSuite checks behaviour every Store implementation must share.
type StoreSuite struct {
	suite.Suite
	newStore func(t *testing.T) Store
	store    Store
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.store = s.newStore(s.T())
	s.ctx = context.Background()
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(*testing.T) Store { return NewMemoryStore() }})
}

func (s *StoreSuite) record(seq uint64, wallet, counterparty string) {
	s.Require().NoError(s.store.Record(s.ctx, indexed(seq, wallet, counterparty)))
}

func (s *StoreSuite) TestListByWallet() {
	s.record(0, "0xa", "0xb")
	s.record(1, "0xb", "0xc")
	s.record(2, "0xd", "0xa")

	s.Run("sender and counterparty both match", func() {
		got, err := s.store.ListByWallet(s.ctx, "0xa", nil, 10)
		s.Require().NoError(err)
		s.Require().Len(got, 2)
		s.Equal(uint64(2), got[0].Sequence)
		s.Equal(uint64(0), got[1].Sequence)
	})

	s.Run("unknown wallet is empty", func() {
		got, err := s.store.ListByWallet(s.ctx, "0xz", nil, 10)
		s.Require().NoError(err)
		s.Empty(got)
	})

	s.Run("self transfer listed once", func() {
		s.record(3, "0xe", "0xe")
		got, err := s.store.ListByWallet(s.ctx, "0xe", nil, 10)
		s.Require().NoError(err)
		s.Len(got, 1)
	})
}

func (s *StoreSuite) TestListByWalletCursor() {
	for seq := range uint64(4) {
		s.record(seq, "0xa", "")
	}

	first, err := s.store.ListByWallet(s.ctx, "0xa", nil, 3)
	s.Require().NoError(err)
	s.Require().Len(first, 3)

	page, next, more := pagination.ComputePage(first, 2, (*Indexed).Key)
	s.True(more)
	cursor, err := pagination.Decode(next)
	s.Require().NoError(err)

	rest, err := s.store.ListByWallet(s.ctx, "0xa", cursor, 3)
	s.Require().NoError(err)
	s.Require().Len(rest, 2)
	s.Equal(page[1].Sequence-1, rest[0].Sequence)
	s.Equal(uint64(0), rest[1].Sequence)
}

func (s *StoreSuite) TestGet() {
	s.record(5, "0xa", "0xb")

	got, err := s.store.Get(s.ctx, "main", 5)
	s.Require().NoError(err)
	s.Equal("0xb", got.Assessment.Record.Counterparty)
	s.Equal(compliance.Points(5), got.Assessment.Score)

	_, err = s.store.Get(s.ctx, "main", 6)
	s.ErrorIs(err, ErrNotFound)
}
