package api

import (
	"encoding/json"
	"math/big"

	"github.com/axiomesh/tokendao/core"
	"github.com/axiomesh/tokendao/ledger"
	"github.com/ethereum/go-ethereum/common"
)

const (
	ActionCreateProposal  = "createProposal"
	ActionCastVote        = "castVote"
	ActionExecuteProposal = "executeProposal"
	ActionSetVotingPeriod = "setVotingPeriod"
	ActionSetQuorum       = "setQuorum"
)

// Envelope is the signed body of every mutating request. Action and the
// proposal id inside Payload bind the signature to one route.
type Envelope struct {
	From    common.Address  `json:"from"`
	Nonce   uint64          `json:"nonce"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type CreateProposalRequest struct {
	Description string `json:"description"`
}

type CastVoteRequest struct {
	ProposalID uint64 `json:"proposalId"`
	Support    bool   `json:"support"`
}

type ExecuteProposalRequest struct {
	ProposalID uint64 `json:"proposalId"`
}

type SetVotingPeriodRequest struct {
	Seconds uint64 `json:"seconds"`
}

type SetQuorumRequest struct {
	// Amount is a base-10 token amount
	Amount string `json:"amount"`
}

type CreateProposalResponse struct {
	ID      uint64          `json:"id"`
	Receipt *ledger.Receipt `json:"receipt"`
}

type ReceiptResponse struct {
	Receipt *ledger.Receipt `json:"receipt"`
}

type ProposalView struct {
	*core.Proposal
	Status core.ProposalStatus `json:"status"`
}

type ProposalsResponse struct {
	Count     uint64          `json:"count"`
	Proposals []*ProposalView `json:"proposals"`
}

type SettingsResponse struct {
	Owner        common.Address `json:"owner"`
	Token        common.Address `json:"token"`
	Contract     common.Address `json:"contract"`
	Quorum       *big.Int       `json:"quorum"`
	VotingPeriod uint64         `json:"votingPeriod"`
	Now          uint64         `json:"now"`
}

type VoterResponse struct {
	ProposalID uint64         `json:"proposalId"`
	Voter      common.Address `json:"voter"`
	HasVoted   bool           `json:"hasVoted"`
}

type BalanceResponse struct {
	Address common.Address `json:"address"`
	Balance *big.Int       `json:"balance"`
}

type NonceResponse struct {
	Address common.Address `json:"address"`
	Nonce   uint64         `json:"nonce"`
}

type HistoryResponse struct {
	Height    uint64                 `json:"height"`
	Proposals []*core.ProposalRecord `json:"proposals"`
}

type SettingsHistoryResponse struct {
	Height  uint64               `json:"height"`
	Changes []core.SettingChange `json:"changes"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
