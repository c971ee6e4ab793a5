package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/axiomesh/axiom-kit/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

var (
	heightKey    = []byte("\x00ledger/height")
	timeKey      = []byte("\x00ledger/time")
	logsPrefix   = []byte("\x00ledger/logs/")
	noncePrefix  = []byte("\x00ledger/nonce/")
	ledgerPrefix = []byte("\x00ledger/")
)

var (
	ErrNonceMismatch = errors.New("nonce mismatch")
	ErrReservedKey   = errors.New("key is reserved by the ledger")
)

// Reader reads committed (or, inside a transaction, pending) state.
type Reader interface {
	Get(key []byte) []byte
}

// Message identifies a state transition request.
type Message struct {
	From common.Address
	// Nonce is checked against the sender's next nonce when set.
	Nonce  *uint64
	Method string
}

type Receipt struct {
	TxHash      common.Hash    `json:"transactionHash"`
	BlockHash   common.Hash    `json:"blockHash"`
	BlockNumber uint64         `json:"blockNumber"`
	Timestamp   uint64         `json:"timestamp"`
	From        common.Address `json:"from"`
	Logs        []*types.Log   `json:"logs"`
}

// Ledger executes state transitions one at a time. Each committed
// transaction becomes one block whose writes, logs, height, time and
// sender nonce land in a single storage batch.
type Ledger struct {
	db     storage.Storage
	clock  Clock
	logger logrus.FieldLogger

	mu        sync.Mutex
	deliverMu sync.Mutex

	subMu sync.Mutex
	subs  map[*subscription]struct{}
}

func New(db storage.Storage, clock Clock, logger logrus.FieldLogger) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{
		db:     db,
		clock:  clock,
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}
}

// Execute runs fn as one atomic transaction. Any error from fn discards
// every write and log it produced. A call is not cancellable once it holds
// the ledger lock.
func (l *Ledger) Execute(ctx context.Context, msg Message, fn func(tx *Tx) error) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	locked := true
	defer func() {
		if locked {
			l.mu.Unlock()
		}
	}()

	nonce := l.Nonce(msg.From)
	if msg.Nonce != nil && *msg.Nonce != nonce {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrNonceMismatch, nonce, *msg.Nonce)
	}

	number := l.Height() + 1
	timestamp := uint64(l.clock.Now().Unix())
	if prev := l.Time(); timestamp < prev {
		timestamp = prev
	}

	tx := &Tx{
		ctx:       ctx,
		reader:    l,
		msg:       msg,
		number:    number,
		timestamp: timestamp,
		txHash:    txHash(msg, nonce, number),
		writes:    make(map[string][]byte),
	}
	tx.blockHash = crypto.Keccak256Hash(uint64Bytes(number), tx.txHash.Bytes())

	if err := fn(tx); err != nil {
		return nil, err
	}
	if tx.err != nil {
		return nil, tx.err
	}

	logsData, err := json.Marshal(tx.logs)
	if err != nil {
		return nil, fmt.Errorf("encode logs: %w", err)
	}

	batch := l.db.NewBatch()
	for _, k := range tx.order {
		batch.Put([]byte(k), tx.writes[k])
	}
	if len(tx.logs) > 0 {
		batch.Put(logsKey(number), logsData)
	}
	batch.Put(nonceKey(msg.From), uint64Bytes(nonce+1))
	batch.Put(timeKey, uint64Bytes(timestamp))
	batch.Put(heightKey, uint64Bytes(number))
	batch.Commit()

	l.logger.WithFields(logrus.Fields{
		"block":  number,
		"tx":     tx.txHash.Hex(),
		"from":   msg.From.Hex(),
		"method": msg.Method,
		"writes": len(tx.order),
		"logs":   len(tx.logs),
	}).Debug("Commit transaction")

	// hand the lock over so that subscribers see blocks in order
	l.deliverMu.Lock()
	l.mu.Unlock()
	locked = false
	l.deliver(tx.logs)
	l.deliverMu.Unlock()

	return &Receipt{
		TxHash:      tx.txHash,
		BlockHash:   tx.blockHash,
		BlockNumber: number,
		Timestamp:   timestamp,
		From:        msg.From,
		Logs:        tx.logs,
	}, nil
}

func (l *Ledger) Get(key []byte) []byte {
	return l.db.Get(key)
}

// Height returns the number of the last committed block, 0 before the first.
func (l *Ledger) Height() uint64 {
	return readUint64(l.db.Get(heightKey))
}

// Time returns the timestamp of the last committed block.
func (l *Ledger) Time() uint64 {
	return readUint64(l.db.Get(timeKey))
}

// Now is the timestamp the next block would get if it were committed now.
func (l *Ledger) Now() uint64 {
	now := uint64(l.clock.Now().Unix())
	if prev := l.Time(); now < prev {
		return prev
	}
	return now
}

// Nonce returns the number of transactions committed by addr.
func (l *Ledger) Nonce(addr common.Address) uint64 {
	return readUint64(l.db.Get(nonceKey(addr)))
}

func (l *Ledger) Close() error {
	l.subMu.Lock()
	subs := make([]*subscription, 0, len(l.subs))
	for s := range l.subs {
		subs = append(subs, s)
	}
	l.subMu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	return l.db.Close()
}

func (l *Ledger) blockLogs(number uint64) ([]*types.Log, error) {
	data := l.db.Get(logsKey(number))
	if data == nil {
		return nil, nil
	}
	var logs []*types.Log
	if err := json.Unmarshal(data, &logs); err != nil {
		return nil, fmt.Errorf("decode logs of block %d: %w", number, err)
	}
	return logs, nil
}

// Tx is the view a transaction function gets of the ledger.
type Tx struct {
	ctx       context.Context
	reader    Reader
	msg       Message
	number    uint64
	timestamp uint64
	txHash    common.Hash
	blockHash common.Hash

	writes map[string][]byte
	order  []string
	logs   []*types.Log
	err    error
}

func (tx *Tx) Context() context.Context {
	return tx.ctx
}

func (tx *Tx) Caller() common.Address {
	return tx.msg.From
}

func (tx *Tx) BlockNumber() uint64 {
	return tx.number
}

func (tx *Tx) Timestamp() uint64 {
	return tx.timestamp
}

func (tx *Tx) Hash() common.Hash {
	return tx.txHash
}

func (tx *Tx) Get(key []byte) []byte {
	if v, ok := tx.writes[string(key)]; ok {
		return v
	}
	return tx.reader.Get(key)
}

func (tx *Tx) Put(key, value []byte) {
	if bytes.HasPrefix(key, ledgerPrefix) {
		tx.err = fmt.Errorf("%w: %q", ErrReservedKey, key)
		return
	}
	k := string(key)
	if _, ok := tx.writes[k]; !ok {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = append([]byte(nil), value...)
}

// Emit appends a log to the transaction, filling in its position fields.
func (tx *Tx) Emit(log *types.Log) {
	log.BlockNumber = tx.number
	log.BlockHash = tx.blockHash
	log.TxHash = tx.txHash
	log.TxIndex = 0
	log.Index = uint(len(tx.logs))
	tx.logs = append(tx.logs, log)
}

func txHash(msg Message, nonce, number uint64) common.Hash {
	return crypto.Keccak256Hash(
		msg.From.Bytes(),
		uint64Bytes(nonce),
		uint64Bytes(number),
		[]byte(msg.Method),
	)
}

func logsKey(number uint64) []byte {
	return append(append([]byte{}, logsPrefix...), uint64Bytes(number)...)
}

func nonceKey(addr common.Address) []byte {
	return append(append([]byte{}, noncePrefix...), addr.Bytes()...)
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
