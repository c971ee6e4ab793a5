package core

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultVotingPeriod is the voting period a deployment starts with: 2 days.
const DefaultVotingPeriod uint64 = 2 * 24 * 60 * 60

type ProposalStatus uint8

const (
	// Active means votes are accepted, now < EndTime
	Active ProposalStatus = iota
	// Ended means the window closed and nobody executed the proposal yet,
	// either because nobody tried or because it did not pass
	Ended
	// Executed is terminal
	Executed
)

func (s ProposalStatus) String() string {
	switch s {
	case Active:
		return "active"
	case Ended:
		return "ended"
	case Executed:
		return "executed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s ProposalStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ProposalStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "active":
		*s = Active
	case "ended":
		*s = Ended
	case "executed":
		*s = Executed
	default:
		return fmt.Errorf("unknown proposal status %q", text)
	}
	return nil
}

type Proposal struct {
	ID           uint64         `json:"id"`
	Proposer     common.Address `json:"proposer"`
	Description  string         `json:"description"`
	ForVotes     *big.Int       `json:"forVotes"`
	AgainstVotes *big.Int       `json:"againstVotes"`
	StartTime    uint64         `json:"startTime"`
	// EndTime is fixed at creation from the voting period in force then.
	EndTime  uint64 `json:"endTime"`
	Executed bool   `json:"executed"`
}

func (p *Proposal) TotalVotes() *big.Int {
	return new(big.Int).Add(p.ForVotes, p.AgainstVotes)
}

// Status derives the lifecycle state at ledger time now.
func (p *Proposal) Status(now uint64) ProposalStatus {
	switch {
	case p.Executed:
		return Executed
	case now < p.EndTime:
		return Active
	default:
		return Ended
	}
}

// Settings is the process-wide governance configuration.
type Settings struct {
	Owner        common.Address `json:"owner"`
	Token        common.Address `json:"token"`
	Quorum       *big.Int       `json:"quorum"`
	VotingPeriod uint64         `json:"votingPeriod"`
}

// Call is the identity a state transition runs under.
type Call struct {
	From common.Address
	// Nonce pins the caller's transaction count, nil skips the check
	Nonce *uint64
}

// From builds a Call without a nonce check.
func From(addr common.Address) Call {
	return Call{From: addr}
}
