package core

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const governanceEventsABI = `[
	{"type":"event","name":"ProposalCreated","anonymous":false,"inputs":[
		{"name":"proposalId","type":"uint256","indexed":true},
		{"name":"proposer","type":"address","indexed":true},
		{"name":"description","type":"string","indexed":false},
		{"name":"startTime","type":"uint256","indexed":false},
		{"name":"endTime","type":"uint256","indexed":false}]},
	{"type":"event","name":"VoteCast","anonymous":false,"inputs":[
		{"name":"proposalId","type":"uint256","indexed":true},
		{"name":"voter","type":"address","indexed":true},
		{"name":"support","type":"bool","indexed":false},
		{"name":"weight","type":"uint256","indexed":false}]},
	{"type":"event","name":"ProposalExecuted","anonymous":false,"inputs":[
		{"name":"proposalId","type":"uint256","indexed":true}]},
	{"type":"event","name":"VotingPeriodChanged","anonymous":false,"inputs":[
		{"name":"newVotingPeriod","type":"uint256","indexed":false}]},
	{"type":"event","name":"QuorumChanged","anonymous":false,"inputs":[
		{"name":"newQuorum","type":"uint256","indexed":false}]}
]`

const (
	EventProposalCreated     = "ProposalCreated"
	EventVoteCast            = "VoteCast"
	EventProposalExecuted    = "ProposalExecuted"
	EventVotingPeriodChanged = "VotingPeriodChanged"
	EventQuorumChanged       = "QuorumChanged"
)

var ErrUnknownEvent = errors.New("unknown governance event")

// GovernanceABI describes every log the voting engine emits.
var GovernanceABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(governanceEventsABI))
	if err != nil {
		panic(err)
	}
	GovernanceABI = parsed
}

// EventTopic returns topic 0 of the named event.
func EventTopic(name string) common.Hash {
	return GovernanceABI.Events[name].ID
}

// EventTopics is the first-position OR-set matching every governance event.
func EventTopics() [][]common.Hash {
	return [][]common.Hash{{
		EventTopic(EventProposalCreated),
		EventTopic(EventVoteCast),
		EventTopic(EventProposalExecuted),
		EventTopic(EventVotingPeriodChanged),
		EventTopic(EventQuorumChanged),
	}}
}

type ProposalCreated struct {
	ProposalID  uint64
	Proposer    common.Address
	Description string
	StartTime   uint64
	EndTime     uint64
	Raw         types.Log
}

type VoteCast struct {
	ProposalID uint64
	Voter      common.Address
	Support    bool
	Weight     *big.Int
	Raw        types.Log
}

type ProposalExecuted struct {
	ProposalID uint64
	Raw        types.Log
}

type VotingPeriodChanged struct {
	NewVotingPeriod uint64
	Raw             types.Log
}

type QuorumChanged struct {
	NewQuorum *big.Int
	Raw       types.Log
}

// newLog encodes an event; args follow the ABI input order, indexed ones
// go to topics and the rest are packed into data.
func newLog(address common.Address, name string, args ...interface{}) (*types.Log, error) {
	ev, ok := GovernanceABI.Events[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if len(args) != len(ev.Inputs) {
		return nil, fmt.Errorf("event %s takes %d arguments, got %d", name, len(ev.Inputs), len(args))
	}

	topics := []common.Hash{ev.ID}
	var data []interface{}
	for i, in := range ev.Inputs {
		if !in.Indexed {
			data = append(data, args[i])
			continue
		}
		t, err := abi.MakeTopics([]interface{}{args[i]})
		if err != nil {
			return nil, fmt.Errorf("encode topic %s of %s: %w", in.Name, name, err)
		}
		topics = append(topics, t[0][0])
	}

	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", name, err)
	}

	return &types.Log{
		Address: address,
		Topics:  topics,
		Data:    packed,
	}, nil
}

// ParseLog decodes a governance log into one of the event structs.
func ParseLog(log types.Log) (interface{}, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	ev, err := GovernanceABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, log.Topics[0].Hex())
	}

	fields := make(map[string]interface{})
	if len(ev.Inputs.NonIndexed()) > 0 {
		if len(log.Data) == 0 {
			return nil, fmt.Errorf("unpack %s: empty log data", ev.Name)
		}
		if err := GovernanceABI.UnpackIntoMap(fields, ev.Name, log.Data); err != nil {
			return nil, fmt.Errorf("unpack %s: %w", ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse %s topics: %w", ev.Name, err)
	}

	f := eventFields{name: ev.Name, values: fields}
	var out interface{}
	switch ev.Name {
	case EventProposalCreated:
		out = &ProposalCreated{
			ProposalID:  f.num("proposalId"),
			Proposer:    f.addr("proposer"),
			Description: f.str("description"),
			StartTime:   f.num("startTime"),
			EndTime:     f.num("endTime"),
			Raw:         log,
		}
	case EventVoteCast:
		out = &VoteCast{
			ProposalID: f.num("proposalId"),
			Voter:      f.addr("voter"),
			Support:    f.flag("support"),
			Weight:     f.bigInt("weight"),
			Raw:        log,
		}
	case EventProposalExecuted:
		out = &ProposalExecuted{
			ProposalID: f.num("proposalId"),
			Raw:        log,
		}
	case EventVotingPeriodChanged:
		out = &VotingPeriodChanged{
			NewVotingPeriod: f.num("newVotingPeriod"),
			Raw:             log,
		}
	case EventQuorumChanged:
		out = &QuorumChanged{
			NewQuorum: f.bigInt("newQuorum"),
			Raw:       log,
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
	}
	if f.err != nil {
		return nil, f.err
	}
	return out, nil
}

// eventFields reads decoded event values, keeping the first missing or
// mistyped field as err.
type eventFields struct {
	name   string
	values map[string]interface{}
	err    error
}

func (f *eventFields) fail(key string) {
	if f.err == nil {
		f.err = fmt.Errorf("decode %s: field %s missing or mistyped", f.name, key)
	}
}

func (f *eventFields) bigInt(key string) *big.Int {
	v, ok := f.values[key].(*big.Int)
	if !ok || v == nil {
		f.fail(key)
		return new(big.Int)
	}
	return v
}

func (f *eventFields) num(key string) uint64 {
	v := f.bigInt(key)
	if !v.IsUint64() {
		f.fail(key)
		return 0
	}
	return v.Uint64()
}

func (f *eventFields) addr(key string) common.Address {
	v, ok := f.values[key].(common.Address)
	if !ok {
		f.fail(key)
	}
	return v
}

func (f *eventFields) str(key string) string {
	v, ok := f.values[key].(string)
	if !ok {
		f.fail(key)
	}
	return v
}

func (f *eventFields) flag(key string) bool {
	v, ok := f.values[key].(bool)
	if !ok {
		f.fail(key)
	}
	return v
}

func u256(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}
