package main

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/axiomesh/tokendao/api"
	"github.com/axiomesh/tokendao/repo"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeServesGovernance(t *testing.T) {
	ownerKey, err := crypto.GenerateKey()
	require.Nil(t, err)
	aliceKey, err := crypto.GenerateKey()
	require.Nil(t, err)
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	alice := crypto.PubkeyToAddress(aliceKey.PublicKey)

	cfg := repo.DefaultConfig(t.TempDir())
	cfg.Log.Level = "debug"
	cfg.API.Listen = "127.0.0.1:0"
	cfg.Governance.Owner = owner.Hex()
	cfg.Governance.Quorum = "100"
	cfg.Token.TotalSupply = "1000"
	cfg.Token.Allocations = []repo.Allocation{{Address: alice.Hex(), Amount: "600"}}
	r := &repo.Repo{Config: cfg}

	n, err := newNode(context.Background(), r)
	require.Nil(t, err)
	require.Nil(t, n.Start())

	ctx := context.Background()
	c := api.NewClient("http://"+n.server.Addr(), aliceKey, logrus.New())

	settings, err := c.Settings(ctx)
	require.Nil(t, err)
	assert.Equal(t, owner, settings.Owner)
	assert.Equal(t, uint64(48*60*60), settings.VotingPeriod)
	assert.Equal(t, 0, big.NewInt(100).Cmp(settings.Quorum))

	bal, err := c.Balance(ctx, owner)
	require.Nil(t, err)
	assert.Equal(t, 0, big.NewInt(400).Cmp(bal))

	id, _, err := c.CreateProposal(ctx, "first")
	require.Nil(t, err)
	_, err = c.CastVote(ctx, id, true)
	require.Nil(t, err)

	assert.Eventually(t, func() bool {
		rec, err := c.ProposalHistory(ctx, id)
		return err == nil && len(rec.Votes) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Nil(t, n.Stop())

	// a restart keeps the stored settings even when the config changes
	cfg.Governance.Quorum = "5"
	n, err = newNode(context.Background(), r)
	require.Nil(t, err)
	defer n.Stop()

	quorum, err := n.dao.Quorum()
	require.Nil(t, err)
	assert.Equal(t, 0, big.NewInt(100).Cmp(quorum))
	assert.Equal(t, uint64(1), n.dao.ProposalCount())
}

func TestNodeRequiresOwner(t *testing.T) {
	cfg := repo.DefaultConfig(t.TempDir())
	_, err := newNode(context.Background(), &repo.Repo{Config: cfg})
	assert.Error(t, err)
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		err  bool
	}{
		{in: "3600", want: 3600},
		{in: "48h", want: 172800},
		{in: "90m", want: 5400},
		{in: "10ms", err: true},
		{in: "soon", err: true},
	}

	for _, tt := range tests {
		got, err := parsePeriod(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.Nil(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
