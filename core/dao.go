package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	"github.com/axiomesh/tokendao/ledger"
	"github.com/axiomesh/tokendao/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

var (
	settingsKey       = []byte("dao/settings")
	proposalCountKey  = []byte("dao/count")
	proposalKeyPrefix = []byte("dao/proposal/")
	votedKeyPrefix    = []byte("dao/voted/")
)

// DAO is the proposal registry and voting engine. Every mutating method is
// one ledger transaction: it either applies completely or leaves no trace.
type DAO struct {
	ledger  *ledger.Ledger
	token   token.BalanceReader
	address common.Address
	logger  logrus.FieldLogger
}

// New binds the engine to a ledger. address is stamped on emitted logs.
func New(l *ledger.Ledger, tok token.BalanceReader, address common.Address, logger logrus.FieldLogger) *DAO {
	return &DAO{
		ledger:  l,
		token:   tok,
		address: address,
		logger:  logger,
	}
}

// Address is the contract address stamped on emitted logs.
func (d *DAO) Address() common.Address {
	return d.address
}

// Deploy initialises the governance configuration with owner as the
// privileged identity. It can succeed only once per ledger.
func (d *DAO) Deploy(ctx context.Context, owner, tokenAddr common.Address, quorum *big.Int, votingPeriod uint64) (*ledger.Receipt, error) {
	if quorum == nil || quorum.Sign() < 0 {
		return nil, fmt.Errorf("%w: quorum must be a non-negative amount", ErrInvalidArgument)
	}
	if votingPeriod == 0 {
		return nil, fmt.Errorf("%w: voting period must be positive", ErrInvalidArgument)
	}

	receipt, err := d.ledger.Execute(ctx, ledger.Message{From: owner, Method: "deploy"}, func(tx *ledger.Tx) error {
		if tx.Get(settingsKey) != nil {
			return ErrAlreadyDeployed
		}
		return putJSON(tx, settingsKey, &Settings{
			Owner:        owner,
			Token:        tokenAddr,
			Quorum:       new(big.Int).Set(quorum),
			VotingPeriod: votingPeriod,
		})
	})
	if err != nil {
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{
		"owner":         owner.Hex(),
		"token":         tokenAddr.Hex(),
		"quorum":        quorum.String(),
		"voting_period": votingPeriod,
	}).Info("Deploy governance")
	return receipt, nil
}

// Deployed reports whether governance settings exist on the ledger.
func (d *DAO) Deployed() bool {
	return d.ledger.Get(settingsKey) != nil
}

// CreateProposal registers a proposal from a caller holding voting power.
func (d *DAO) CreateProposal(ctx context.Context, call Call, description string) (uint64, *ledger.Receipt, error) {
	var id uint64
	receipt, err := d.ledger.Execute(ctx, d.message(call, "createProposal"), func(tx *ledger.Tx) error {
		settings, err := loadSettings(tx)
		if err != nil {
			return err
		}

		power, err := d.token.BalanceOf(tx.Context(), tx.Caller())
		if err != nil {
			return fmt.Errorf("read voting power: %w", err)
		}
		if power.Sign() <= 0 {
			return fmt.Errorf("%w: must hold governance tokens to create a proposal", ErrUnauthorized)
		}

		id = readUint64(tx.Get(proposalCountKey))
		start := tx.Timestamp()
		p := &Proposal{
			ID:           id,
			Proposer:     tx.Caller(),
			Description:  description,
			ForVotes:     new(big.Int),
			AgainstVotes: new(big.Int),
			StartTime:    start,
			EndTime:      saturatingAdd(start, settings.VotingPeriod),
		}
		if err := putJSON(tx, proposalKey(id), p); err != nil {
			return err
		}
		tx.Put(proposalCountKey, uint64Bytes(id+1))

		return d.emit(tx, EventProposalCreated, u256(id), p.Proposer, p.Description, u256(p.StartTime), u256(p.EndTime))
	})
	if err != nil {
		return 0, nil, err
	}

	d.logger.WithFields(logrus.Fields{
		"id":       id,
		"proposer": call.From.Hex(),
		"block":    receipt.BlockNumber,
	}).Info("Create proposal")
	return id, receipt, nil
}

// CastVote adds the caller's current balance to one side of the tally.
func (d *DAO) CastVote(ctx context.Context, call Call, id uint64, support bool) (*ledger.Receipt, error) {
	var weight *big.Int
	receipt, err := d.ledger.Execute(ctx, d.message(call, "castVote"), func(tx *ledger.Tx) error {
		p, err := loadProposal(tx, id)
		if err != nil {
			return err
		}
		if tx.Timestamp() >= p.EndTime {
			return ErrVotingClosed
		}
		voter := tx.Caller()
		if tx.Get(votedKey(id, voter)) != nil {
			return ErrAlreadyVoted
		}

		weight, err = d.token.BalanceOf(tx.Context(), voter)
		if err != nil {
			return fmt.Errorf("read voting power: %w", err)
		}
		if weight.Sign() <= 0 {
			return fmt.Errorf("%w: no voting power", ErrUnauthorized)
		}

		if support {
			p.ForVotes.Add(p.ForVotes, weight)
		} else {
			p.AgainstVotes.Add(p.AgainstVotes, weight)
		}
		if err := putJSON(tx, proposalKey(id), p); err != nil {
			return err
		}
		tx.Put(votedKey(id, voter), []byte{1})

		return d.emit(tx, EventVoteCast, u256(id), voter, support, weight)
	})
	if err != nil {
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{
		"id":      id,
		"voter":   call.From.Hex(),
		"support": support,
		"weight":  weight.String(),
	}).Info("Cast vote")
	return receipt, nil
}

// ExecuteProposal finalises a proposal that passed. Anyone may call it.
func (d *DAO) ExecuteProposal(ctx context.Context, call Call, id uint64) (*ledger.Receipt, error) {
	receipt, err := d.ledger.Execute(ctx, d.message(call, "executeProposal"), func(tx *ledger.Tx) error {
		settings, err := loadSettings(tx)
		if err != nil {
			return err
		}
		p, err := loadProposal(tx, id)
		if err != nil {
			return err
		}
		if tx.Timestamp() < p.EndTime {
			return ErrVotingOpen
		}
		if p.Executed {
			return ErrAlreadyExecuted
		}
		if p.ForVotes.Cmp(p.AgainstVotes) <= 0 {
			return ErrProposalRejected
		}
		if p.TotalVotes().Cmp(settings.Quorum) < 0 {
			return ErrQuorumNotMet
		}

		p.Executed = true
		if err := putJSON(tx, proposalKey(id), p); err != nil {
			return err
		}
		return d.emit(tx, EventProposalExecuted, u256(id))
	})
	if err != nil {
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{
		"id":     id,
		"caller": call.From.Hex(),
	}).Info("Execute proposal")
	return receipt, nil
}

// SetVotingPeriod changes the period applied to proposals created afterwards.
func (d *DAO) SetVotingPeriod(ctx context.Context, call Call, seconds uint64) (*ledger.Receipt, error) {
	return d.updateSettings(ctx, call, "setVotingPeriod", func(tx *ledger.Tx, s *Settings) error {
		if seconds == 0 {
			return fmt.Errorf("%w: voting period must be positive", ErrInvalidArgument)
		}
		s.VotingPeriod = seconds
		return d.emit(tx, EventVotingPeriodChanged, u256(seconds))
	})
}

// SetQuorum changes the minimum total vote weight checked at execution,
// including for proposals that are still open.
func (d *DAO) SetQuorum(ctx context.Context, call Call, quorum *big.Int) (*ledger.Receipt, error) {
	return d.updateSettings(ctx, call, "setQuorum", func(tx *ledger.Tx, s *Settings) error {
		if quorum == nil || quorum.Sign() < 0 {
			return fmt.Errorf("%w: quorum must be a non-negative amount", ErrInvalidArgument)
		}
		s.Quorum = new(big.Int).Set(quorum)
		return d.emit(tx, EventQuorumChanged, new(big.Int).Set(quorum))
	})
}

// updateSettings runs update for the owner only; argument checks belong in
// update so a non-owner always sees ErrUnauthorized.
func (d *DAO) updateSettings(ctx context.Context, call Call, method string, update func(tx *ledger.Tx, s *Settings) error) (*ledger.Receipt, error) {
	var settings *Settings
	receipt, err := d.ledger.Execute(ctx, d.message(call, method), func(tx *ledger.Tx) error {
		var err error
		settings, err = loadSettings(tx)
		if err != nil {
			return err
		}
		if tx.Caller() != settings.Owner {
			return fmt.Errorf("%w: caller is not the owner", ErrUnauthorized)
		}
		if err := update(tx, settings); err != nil {
			return err
		}
		return putJSON(tx, settingsKey, settings)
	})
	if err != nil {
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{
		"method":        method,
		"quorum":        settings.Quorum.String(),
		"voting_period": settings.VotingPeriod,
	}).Info("Update governance settings")
	return receipt, nil
}

// ProposalCount is the number of proposals ever created, also the next id.
func (d *DAO) ProposalCount() uint64 {
	return readUint64(d.ledger.Get(proposalCountKey))
}

// GetProposal returns ErrNotFound for ids that were never assigned.
func (d *DAO) GetProposal(id uint64) (*Proposal, error) {
	return loadProposal(d.ledger, id)
}

// Proposals lists proposals with ids in [from, from+limit).
func (d *DAO) Proposals(from, limit uint64) ([]*Proposal, error) {
	count := d.ProposalCount()
	if from >= count {
		return []*Proposal{}, nil
	}
	end := count
	if limit > 0 && limit < count-from {
		end = from + limit
	}
	out := make([]*Proposal, 0, end-from)
	for id := from; id < end; id++ {
		p, err := loadProposal(d.ledger, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// HasVoted reports whether voter has voted on proposal id.
func (d *DAO) HasVoted(id uint64, voter common.Address) bool {
	return d.ledger.Get(votedKey(id, voter)) != nil
}

// Settings returns the stored governance configuration or ErrNotDeployed.
func (d *DAO) Settings() (*Settings, error) {
	return loadSettings(d.ledger)
}

func (d *DAO) VotingPeriod() (uint64, error) {
	s, err := loadSettings(d.ledger)
	if err != nil {
		return 0, err
	}
	return s.VotingPeriod, nil
}

func (d *DAO) Quorum() (*big.Int, error) {
	s, err := loadSettings(d.ledger)
	if err != nil {
		return nil, err
	}
	return s.Quorum, nil
}

func (d *DAO) Owner() (common.Address, error) {
	s, err := loadSettings(d.ledger)
	if err != nil {
		return common.Address{}, err
	}
	return s.Owner, nil
}

func (d *DAO) Token() (common.Address, error) {
	s, err := loadSettings(d.ledger)
	if err != nil {
		return common.Address{}, err
	}
	return s.Token, nil
}

// VotingPower is the caller's live balance, the weight a vote would carry now.
func (d *DAO) VotingPower(ctx context.Context, account common.Address) (*big.Int, error) {
	return d.token.BalanceOf(ctx, account)
}

// Now is the ledger time used to derive proposal status.
func (d *DAO) Now() uint64 {
	return d.ledger.Now()
}

func (d *DAO) message(call Call, method string) ledger.Message {
	return ledger.Message{
		From:   call.From,
		Nonce:  call.Nonce,
		Method: method,
	}
}

func (d *DAO) emit(tx *ledger.Tx, event string, args ...interface{}) error {
	log, err := newLog(d.address, event, args...)
	if err != nil {
		return err
	}
	tx.Emit(log)
	return nil
}

// Emitted returns the logs of a receipt decoded as governance events.
func Emitted(logs []*types.Log) ([]interface{}, error) {
	out := make([]interface{}, 0, len(logs))
	for _, log := range logs {
		ev, err := ParseLog(*log)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func loadSettings(r ledger.Reader) (*Settings, error) {
	data := r.Get(settingsKey)
	if data == nil {
		return nil, ErrNotDeployed
	}
	s := &Settings{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}

func loadProposal(r ledger.Reader, id uint64) (*Proposal, error) {
	data := r.Get(proposalKey(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	p := &Proposal{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode proposal %d: %w", id, err)
	}
	return p, nil
}

func putJSON(tx *ledger.Tx, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tx.Put(key, data)
	return nil
}

func proposalKey(id uint64) []byte {
	return append(append([]byte{}, proposalKeyPrefix...), uint64Bytes(id)...)
}

func votedKey(id uint64, voter common.Address) []byte {
	k := append(append([]byte{}, votedKeyPrefix...), uint64Bytes(id)...)
	return append(k, voter.Bytes()...)
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func readUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
