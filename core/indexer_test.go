package core

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/axiomesh/axiom-kit/storage"
	"github.com/axiomesh/axiom-kit/storage/leveldb"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIndexerDB(t *testing.T) storage.Storage {
	db, err := leveldb.New(filepath.Join(t.TempDir(), "indexer"))
	require.Nil(t, err)
	return db
}

func startIndexer(t *testing.T, client Client, db storage.Storage) *Indexer {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	ix := NewIndexer(context.Background(), client, db, daoAddr, 1, logger)
	require.Nil(t, ix.Start())
	return ix
}

func TestIndexerProjectsHistoryAndLiveEvents(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	id := e.propose(t, alice, "history")
	e.vote(t, alice, id, true)

	db := newIndexerDB(t)
	defer db.Close()
	ix := startIndexer(t, e.ledger, db)
	defer ix.Stop()

	rec, err := ix.Proposal(id)
	require.Nil(t, err)
	assert.Equal(t, alice, rec.Proposer)
	assert.Equal(t, "history", rec.Description)
	assert.Equal(t, tokens(12000), rec.ForVotes)
	require.Len(t, rec.Votes, 1)
	assert.Equal(t, alice, rec.Votes[0].Voter)

	e.vote(t, bob, id, false)
	_, err = e.dao.SetQuorum(ctx, From(owner), tokens(2000))
	require.Nil(t, err)
	e.clock.Advance(twoDays)
	receipt, err := e.dao.ExecuteProposal(ctx, From(carol), id)
	require.Nil(t, err)

	assert.Eventually(t, func() bool {
		return ix.Height() == receipt.BlockNumber
	}, 5*time.Second, 10*time.Millisecond)

	rec, err = ix.Proposal(id)
	require.Nil(t, err)
	assert.True(t, rec.Executed)
	assert.Equal(t, receipt.BlockNumber, rec.ExecutedBlock)
	assert.Equal(t, tokens(5000), rec.AgainstVotes)
	require.Len(t, rec.Votes, 2)
	assert.False(t, rec.Votes[1].Support)

	onChain := mustProposal(t, e, id)
	assert.Equal(t, onChain.EndTime, rec.EndTime)
	assert.Equal(t, 0, onChain.ForVotes.Cmp(rec.ForVotes))

	changes, err := ix.SettingsHistory()
	require.Nil(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, SettingQuorum, changes[0].Setting)
	assert.Equal(t, "2000", changes[0].Value)

	_, err = ix.Proposal(99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIndexerResumesWithoutDuplicates(t *testing.T) {
	e := newTestEnv(t)
	id := e.propose(t, alice, "p")
	e.vote(t, alice, id, true)

	db := newIndexerDB(t)
	defer db.Close()

	ix := startIndexer(t, e.ledger, db)
	require.Nil(t, ix.Stop())

	e.vote(t, bob, id, true)
	e.propose(t, carol, "q")

	ix = startIndexer(t, e.ledger, db)
	defer ix.Stop()

	records, err := ix.Proposals()
	require.Nil(t, err)
	require.Len(t, records, 2)
	assert.Len(t, records[0].Votes, 2)
	assert.Equal(t, tokens(17000), records[0].ForVotes)
	assert.Equal(t, "q", records[1].Description)
	assert.Equal(t, e.ledger.Height(), ix.Height())
}

type mockClient struct {
	mu      sync.Mutex
	logs    []types.Log
	subs    []*mockSub
	filters int
}

type mockSub struct {
	err chan error
}

func (s *mockSub) Unsubscribe() {}

func (s *mockSub) Err() <-chan error {
	return s.err
}

func (c *mockClient) FilterLogs(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters++
	return append([]types.Log{}, c.logs...), nil
}

func (c *mockClient) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, _ chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &mockSub{err: make(chan error, 1)}
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *mockClient) filterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters
}

func TestIndexerResubscribesAfterError(t *testing.T) {
	created, err := newLog(daoAddr, EventProposalCreated, u256(0), alice, "remote", u256(10), u256(20))
	require.Nil(t, err)
	created.BlockNumber = 4

	client := &mockClient{logs: []types.Log{*created}}
	db := newIndexerDB(t)
	defer db.Close()

	ix := startIndexer(t, client, db)
	defer ix.Stop()
	assert.Equal(t, uint64(4), ix.Height())

	voted, err := newLog(daoAddr, EventVoteCast, u256(0), bob, true, tokens(5))
	require.Nil(t, err)
	voted.BlockNumber = 6
	client.mu.Lock()
	client.logs = append(client.logs, *voted)
	first := client.subs[0]
	client.mu.Unlock()

	first.err <- errors.New("connection reset")

	assert.Eventually(t, func() bool {
		return client.filterCount() == 2 && ix.Height() == 6
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := ix.Proposal(0)
	require.Nil(t, err)
	assert.Equal(t, "remote", rec.Description)
	assert.Equal(t, tokens(5), rec.ForVotes)
}

func TestIndexerSkipsForeignLogs(t *testing.T) {
	client := &mockClient{logs: []types.Log{{
		Address:     daoAddr,
		Topics:      nil,
		BlockNumber: 2,
	}}}
	db := newIndexerDB(t)
	defer db.Close()

	ix := startIndexer(t, client, db)
	defer ix.Stop()

	records, err := ix.Proposals()
	require.Nil(t, err)
	assert.Empty(t, records)
	assert.Equal(t, uint64(0), ix.Height())
}
