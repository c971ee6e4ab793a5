package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/axiomesh/axiom-kit/storage"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

const (
	LogChanMaxSize = 1000

	SettingVotingPeriod = "votingPeriod"
	SettingQuorum       = "quorum"
)

var (
	cursorKey             = []byte("indexer/cursor")
	recordCountKey        = []byte("indexer/count")
	recordKeyPrefix       = []byte("indexer/proposal/")
	settingsCountKey      = []byte("indexer/settings/count")
	settingChangeKeyPrefix = []byte("indexer/settings/change/")
)

type VoteRecord struct {
	Voter       common.Address `json:"voter"`
	Support     bool           `json:"support"`
	Weight      *big.Int       `json:"weight"`
	BlockNumber uint64         `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
}

// ProposalRecord is the indexed history of one proposal.
type ProposalRecord struct {
	ID            uint64         `json:"id"`
	Proposer      common.Address `json:"proposer"`
	Description   string         `json:"description"`
	StartTime     uint64         `json:"startTime"`
	EndTime       uint64         `json:"endTime"`
	ForVotes      *big.Int       `json:"forVotes"`
	AgainstVotes  *big.Int       `json:"againstVotes"`
	Executed      bool           `json:"executed"`
	CreatedBlock  uint64         `json:"createdBlock"`
	ExecutedBlock uint64         `json:"executedBlock,omitempty"`
	Votes         []VoteRecord   `json:"votes"`
}

type SettingChange struct {
	Setting     string      `json:"setting"`
	Value       string      `json:"value"`
	BlockNumber uint64      `json:"blockNumber"`
	TxHash      common.Hash `json:"transactionHash"`
}

// Indexer projects the governance event stream into records that list
// proposals and votes without touching the engine's own state.
type Indexer struct {
	Ctx    context.Context
	Client Client
	Logger logrus.FieldLogger
	DB     storage.Storage

	FromBlock *big.Int
	Addresses []common.Address
	Topics    [][]common.Hash

	LogChan chan types.Log
	LogSub  ethereum.Subscription

	cancel context.CancelFunc
	mu     sync.Mutex
	done   chan struct{}
}

func NewIndexer(ctx context.Context, client Client, db storage.Storage, contract common.Address, fromBlock uint64, logger logrus.FieldLogger) *Indexer {
	ctx, cancel := context.WithCancel(ctx)

	var from *big.Int
	if fromBlock != 0 {
		from = new(big.Int).SetUint64(fromBlock)
	}

	return &Indexer{
		Ctx:       ctx,
		Client:    client,
		Logger:    logger,
		DB:        db,
		FromBlock: from,
		Addresses: []common.Address{contract},
		Topics:    EventTopics(),
		LogChan:   make(chan types.Log, LogChanMaxSize),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start catches up on history and then follows new logs. The subscription
// is opened first; logs seen twice are dropped by the cursor.
func (ix *Indexer) Start() error {
	if err := ix.subscribeLog(); err != nil {
		return err
	}

	if err := ix.fetchHistoryLog(); err != nil {
		ix.LogSub.Unsubscribe()
		return err
	}

	go ix.listenEvents()

	return nil
}

// Stop cancels the subscription and waits for the event loop to exit.
func (ix *Indexer) Stop() error {
	ix.cancel()
	<-ix.done
	return nil
}

func (ix *Indexer) fetchHistoryLog() error {
	logs, err := ix.Client.FilterLogs(ix.Ctx, ethereum.FilterQuery{
		FromBlock: ix.getNewestFromBlock(),
		Addresses: ix.Addresses,
		Topics:    ix.Topics,
	})
	if err != nil {
		return fmt.Errorf("fetch history logs: %w", err)
	}

	ix.Logger.WithField("count", len(logs)).Debug("Fetch history logs")

	for i := range logs {
		ix.handleLog(&logs[i])
	}
	return nil
}

func (ix *Indexer) subscribeLog() error {
	var err error
	ix.LogSub, err = ix.Client.SubscribeFilterLogs(ix.Ctx, ethereum.FilterQuery{
		FromBlock: ix.FromBlock,
		Addresses: ix.Addresses,
		Topics:    ix.Topics,
	}, ix.LogChan)

	return err
}

func (ix *Indexer) listenEvents() {
	defer close(ix.done)
	defer func() {
		if ix.LogSub != nil {
			ix.LogSub.Unsubscribe()
		}
	}()
	ix.Logger.Info("Listen governance events")

	for {
		select {
		case <-ix.Ctx.Done():
			ix.Logger.Info("Indexer context done")
			return
		case err, ok := <-ix.LogSub.Err():
			if !ok {
				return
			}
			ix.Logger.WithField("err", err).Warn("Log subscription failed, resubscribing")
			if err := ix.resubscribe(); err != nil {
				ix.Logger.WithField("err", err).Error("Resubscribe failed")
				return
			}
		case log := <-ix.LogChan:
			ix.handleLog(&log)
		}
	}
}

func (ix *Indexer) resubscribe() error {
	ix.LogSub.Unsubscribe()
	if err := ix.subscribeLog(); err != nil {
		return err
	}
	return ix.fetchHistoryLog()
}

// getNewestFromBlock resumes from the block of the last applied log.
func (ix *Indexer) getNewestFromBlock() *big.Int {
	block, _, ok := ix.cursor()
	if ok && (ix.FromBlock == nil || block > ix.FromBlock.Uint64()) {
		return new(big.Int).SetUint64(block)
	}
	return ix.FromBlock
}

func (ix *Indexer) cursor() (block uint64, index uint, ok bool) {
	data := ix.DB.Get(cursorKey)
	if len(data) != 16 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(data[:8]), uint(binary.BigEndian.Uint64(data[8:])), true
}

// Height is the block of the last applied log.
func (ix *Indexer) Height() uint64 {
	block, _, _ := ix.cursor()
	return block
}

func (ix *Indexer) handleLog(log *types.Log) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if log.Removed {
		ix.Logger.WithField("block", log.BlockNumber).Warn("Skip removed log")
		return
	}
	if block, index, ok := ix.cursor(); ok {
		if log.BlockNumber < block || (log.BlockNumber == block && log.Index <= index) {
			return
		}
	}

	ev, err := ParseLog(*log)
	if err != nil {
		ix.Logger.WithFields(logrus.Fields{
			"block": log.BlockNumber,
			"err":   err,
		}).Error("Parse governance log failed")
		return
	}

	batch := ix.DB.NewBatch()
	if err := ix.apply(batch, ev, log); err != nil {
		ix.Logger.WithFields(logrus.Fields{
			"block": log.BlockNumber,
			"err":   err,
		}).Error("Apply governance log failed")
		return
	}
	cursor := make([]byte, 16)
	binary.BigEndian.PutUint64(cursor[:8], log.BlockNumber)
	binary.BigEndian.PutUint64(cursor[8:], uint64(log.Index))
	batch.Put(cursorKey, cursor)
	batch.Commit()
}

func (ix *Indexer) apply(batch storage.Batch, ev interface{}, log *types.Log) error {
	switch e := ev.(type) {
	case *ProposalCreated:
		rec, err := ix.recordOrEmpty(e.ProposalID)
		if err != nil {
			return err
		}
		rec.Proposer = e.Proposer
		rec.Description = e.Description
		rec.StartTime = e.StartTime
		rec.EndTime = e.EndTime
		rec.CreatedBlock = log.BlockNumber
		ix.Logger.WithField("id", e.ProposalID).Debug("Index proposal")
		return ix.putRecord(batch, rec)
	case *VoteCast:
		rec, err := ix.recordOrEmpty(e.ProposalID)
		if err != nil {
			return err
		}
		if e.Support {
			rec.ForVotes.Add(rec.ForVotes, e.Weight)
		} else {
			rec.AgainstVotes.Add(rec.AgainstVotes, e.Weight)
		}
		rec.Votes = append(rec.Votes, VoteRecord{
			Voter:       e.Voter,
			Support:     e.Support,
			Weight:      e.Weight,
			BlockNumber: log.BlockNumber,
			TxHash:      log.TxHash,
		})
		return ix.putRecord(batch, rec)
	case *ProposalExecuted:
		rec, err := ix.recordOrEmpty(e.ProposalID)
		if err != nil {
			return err
		}
		rec.Executed = true
		rec.ExecutedBlock = log.BlockNumber
		return ix.putRecord(batch, rec)
	case *VotingPeriodChanged:
		return ix.putSettingChange(batch, SettingChange{
			Setting:     SettingVotingPeriod,
			Value:       fmt.Sprintf("%d", e.NewVotingPeriod),
			BlockNumber: log.BlockNumber,
			TxHash:      log.TxHash,
		})
	case *QuorumChanged:
		return ix.putSettingChange(batch, SettingChange{
			Setting:     SettingQuorum,
			Value:       e.NewQuorum.String(),
			BlockNumber: log.BlockNumber,
			TxHash:      log.TxHash,
		})
	}
	return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
}

func (ix *Indexer) recordOrEmpty(id uint64) (*ProposalRecord, error) {
	rec, err := ix.Proposal(id)
	if err == nil {
		return rec, nil
	}
	if ix.DB.Get(recordKey(id)) != nil {
		return nil, err
	}
	return &ProposalRecord{
		ID:           id,
		ForVotes:     new(big.Int),
		AgainstVotes: new(big.Int),
		Votes:        []VoteRecord{},
	}, nil
}

func (ix *Indexer) putRecord(batch storage.Batch, rec *ProposalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	batch.Put(recordKey(rec.ID), data)
	if rec.ID+1 > readUint64(ix.DB.Get(recordCountKey)) {
		batch.Put(recordCountKey, uint64Bytes(rec.ID+1))
	}
	return nil
}

func (ix *Indexer) putSettingChange(batch storage.Batch, change SettingChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	seq := readUint64(ix.DB.Get(settingsCountKey))
	batch.Put(append(append([]byte{}, settingChangeKeyPrefix...), uint64Bytes(seq)...), data)
	batch.Put(settingsCountKey, uint64Bytes(seq+1))
	return nil
}

func (ix *Indexer) Proposal(id uint64) (*ProposalRecord, error) {
	data := ix.DB.Get(recordKey(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	rec := &ProposalRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode record %d: %w", id, err)
	}
	return rec, nil
}

// Proposals returns every indexed proposal in id order.
func (ix *Indexer) Proposals() ([]*ProposalRecord, error) {
	count := readUint64(ix.DB.Get(recordCountKey))
	out := make([]*ProposalRecord, 0, count)
	for id := uint64(0); id < count; id++ {
		if ix.DB.Get(recordKey(id)) == nil {
			continue
		}
		rec, err := ix.Proposal(id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SettingsHistory returns configuration changes oldest first.
func (ix *Indexer) SettingsHistory() ([]SettingChange, error) {
	count := readUint64(ix.DB.Get(settingsCountKey))
	out := make([]SettingChange, 0, count)
	for seq := uint64(0); seq < count; seq++ {
		data := ix.DB.Get(append(append([]byte{}, settingChangeKeyPrefix...), uint64Bytes(seq)...))
		var change SettingChange
		if err := json.Unmarshal(data, &change); err != nil {
			return nil, fmt.Errorf("decode setting change %d: %w", seq, err)
		}
		out = append(out, change)
	}
	return out, nil
}

func recordKey(id uint64) []byte {
	return append(append([]byte{}, recordKeyPrefix...), uint64Bytes(id)...)
}
