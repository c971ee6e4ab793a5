package core

import (
	"math/big"
	"testing"

	"github.com/axiomesh/axiom-kit/types"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTopics(t *testing.T) {
	sigs := map[string]string{
		EventProposalCreated:     "ProposalCreated(uint256,address,string,uint256,uint256)",
		EventVoteCast:            "VoteCast(uint256,address,bool,uint256)",
		EventProposalExecuted:    "ProposalExecuted(uint256)",
		EventVotingPeriodChanged: "VotingPeriodChanged(uint256)",
		EventQuorumChanged:       "QuorumChanged(uint256)",
	}

	for name, sig := range sigs {
		hash := types.NewHash(crypto.Keccak256([]byte(sig)))
		t.Logf("%s: %s", sig, hash.ETHHash().Hex())
		assert.Equal(t, hash.ETHHash(), EventTopic(name), name)
	}

	topics := EventTopics()
	require.Len(t, topics, 1)
	assert.Len(t, topics[0], len(sigs))
}

func TestParseLog(t *testing.T) {
	proposer := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	log, err := newLog(daoAddr, EventProposalCreated, u256(3), proposer, "raise the cap", u256(100), u256(200))
	require.Nil(t, err)
	require.Len(t, log.Topics, 3)
	assert.Equal(t, common.BigToHash(big.NewInt(3)), log.Topics[1])
	assert.Equal(t, common.BytesToHash(proposer.Bytes()), log.Topics[2])

	ev, err := ParseLog(*log)
	require.Nil(t, err)
	created := ev.(*ProposalCreated)
	assert.Equal(t, uint64(3), created.ProposalID)
	assert.Equal(t, proposer, created.Proposer)
	assert.Equal(t, "raise the cap", created.Description)
	assert.Equal(t, uint64(100), created.StartTime)
	assert.Equal(t, uint64(200), created.EndTime)

	log, err = newLog(daoAddr, EventProposalExecuted, u256(3))
	require.Nil(t, err)
	assert.Empty(t, log.Data)
	ev, err = ParseLog(*log)
	require.Nil(t, err)
	assert.Equal(t, uint64(3), ev.(*ProposalExecuted).ProposalID)

	log, err = newLog(daoAddr, EventQuorumChanged, big.NewInt(7))
	require.Nil(t, err)
	assert.Len(t, log.Topics, 1)
	ev, err = ParseLog(*log)
	require.Nil(t, err)
	assert.Equal(t, 0, big.NewInt(7).Cmp(ev.(*QuorumChanged).NewQuorum))
}

func TestParseLogErrors(t *testing.T) {
	_, err := ParseLog(ethtypes.Log{})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = ParseLog(ethtypes.Log{Topics: []common.Hash{common.HexToHash("0x01")}})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = newLog(daoAddr, "Transfer")
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = newLog(daoAddr, EventVoteCast, u256(1))
	assert.Error(t, err)

	// topics match VoteCast but the data section is missing
	voted, err := newLog(daoAddr, EventVoteCast, u256(1), alice, true, tokens(5))
	require.Nil(t, err)
	voted.Data = nil
	assert.NotPanics(t, func() {
		_, err = ParseLog(*voted)
	})
	assert.Error(t, err)

	// data present but the indexed topics were dropped
	created, err := newLog(daoAddr, EventProposalCreated, u256(0), alice, "d", u256(1), u256(2))
	require.Nil(t, err)
	created.Topics = created.Topics[:1]
	assert.NotPanics(t, func() {
		_, err = ParseLog(*created)
	})
	assert.Error(t, err)
}
