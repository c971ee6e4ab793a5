package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/axiomesh/axiom-kit/storage/leveldb"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice    = common.HexToAddress("0x1100000000000000000000000000000000000011")
	bob      = common.HexToAddress("0x2200000000000000000000000000000000000022")
	contract = common.HexToAddress("0x0000000000000000000000000000000000002001")
	topicA   = common.HexToHash("0xaa")
	topicB   = common.HexToHash("0xbb")
)

func newTestLedger(t *testing.T) (*Ledger, *ManualClock) {
	db, err := leveldb.New(filepath.Join(t.TempDir(), "ledger"))
	require.Nil(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	l := New(db, clock, logger)
	t.Cleanup(func() {
		_ = l.Close()
	})
	return l, clock
}

func emitTopics(l *Ledger, from common.Address, topics ...common.Hash) (*Receipt, error) {
	return l.Execute(context.Background(), Message{From: from, Method: "emit"}, func(tx *Tx) error {
		tx.Emit(&types.Log{Address: contract, Topics: topics, Data: []byte{}})
		return nil
	})
}

func TestExecuteCommits(t *testing.T) {
	l, _ := newTestLedger(t)

	receipt, err := l.Execute(context.Background(), Message{From: alice, Method: "put"}, func(tx *Tx) error {
		assert.Equal(t, alice, tx.Caller())
		assert.Equal(t, uint64(1), tx.BlockNumber())
		tx.Put([]byte("k"), []byte("v"))
		assert.Equal(t, []byte("v"), tx.Get([]byte("k")))
		tx.Emit(&types.Log{Address: contract, Topics: []common.Hash{topicA}, Data: []byte{}})
		return nil
	})
	require.Nil(t, err)

	assert.Equal(t, uint64(1), receipt.BlockNumber)
	assert.Equal(t, uint64(1_700_000_000), receipt.Timestamp)
	assert.Equal(t, alice, receipt.From)
	require.Len(t, receipt.Logs, 1)
	assert.Equal(t, receipt.TxHash, receipt.Logs[0].TxHash)
	assert.Equal(t, uint64(1), receipt.Logs[0].BlockNumber)

	assert.Equal(t, []byte("v"), l.Get([]byte("k")))
	assert.Equal(t, uint64(1), l.Height())
	assert.Equal(t, uint64(1), l.Nonce(alice))
	assert.Equal(t, uint64(0), l.Nonce(bob))
}

func TestExecuteRevertsOnError(t *testing.T) {
	l, _ := newTestLedger(t)
	boom := errors.New("boom")

	_, err := l.Execute(context.Background(), Message{From: alice}, func(tx *Tx) error {
		tx.Put([]byte("k"), []byte("v"))
		tx.Emit(&types.Log{Address: contract, Topics: []common.Hash{topicA}, Data: []byte{}})
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	assert.Nil(t, l.Get([]byte("k")))
	assert.Equal(t, uint64(0), l.Height())
	assert.Equal(t, uint64(0), l.Nonce(alice))

	logs, err := l.FilterLogs(context.Background(), ethereum.FilterQuery{})
	require.Nil(t, err)
	assert.Empty(t, logs)
}

func TestExecuteRejectsReservedKeys(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Execute(context.Background(), Message{From: alice}, func(tx *Tx) error {
		tx.Put(heightKey, uint64Bytes(100))
		return nil
	})
	assert.True(t, errors.Is(err, ErrReservedKey))
	assert.Equal(t, uint64(0), l.Height())
}

func TestExecuteChecksNonce(t *testing.T) {
	l, _ := newTestLedger(t)
	noop := func(tx *Tx) error { return nil }

	zero, one := uint64(0), uint64(1)
	_, err := l.Execute(context.Background(), Message{From: alice, Nonce: &one}, noop)
	assert.True(t, errors.Is(err, ErrNonceMismatch))

	_, err = l.Execute(context.Background(), Message{From: alice, Nonce: &zero}, noop)
	require.Nil(t, err)

	// replaying the same nonce fails
	_, err = l.Execute(context.Background(), Message{From: alice, Nonce: &zero}, noop)
	assert.True(t, errors.Is(err, ErrNonceMismatch))

	_, err = l.Execute(context.Background(), Message{From: alice, Nonce: &one}, noop)
	require.Nil(t, err)
	assert.Equal(t, uint64(2), l.Nonce(alice))
}

func TestExecuteCancelledContext(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Execute(ctx, Message{From: alice}, func(tx *Tx) error { return nil })
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, uint64(0), l.Height())
}

func TestTimestampNeverDecreases(t *testing.T) {
	l, clock := newTestLedger(t)
	noop := func(tx *Tx) error { return nil }

	r1, err := l.Execute(context.Background(), Message{From: alice}, noop)
	require.Nil(t, err)

	clock.Advance(-time.Hour)
	r2, err := l.Execute(context.Background(), Message{From: alice}, noop)
	require.Nil(t, err)
	assert.Equal(t, r1.Timestamp, r2.Timestamp)
	assert.Equal(t, r1.Timestamp, l.Now())

	clock.Advance(2 * time.Hour)
	assert.Equal(t, r1.Timestamp+3600, l.Now())
}

func TestExecuteSerializes(t *testing.T) {
	l, _ := newTestLedger(t)
	key := []byte("counter")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Execute(context.Background(), Message{From: bob}, func(tx *Tx) error {
				var n uint64
				if b := tx.Get(key); b != nil {
					n = binary.BigEndian.Uint64(b)
				}
				tx.Put(key, uint64Bytes(n+1))
				return nil
			})
			assert.Nil(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(32), readUint64(l.Get(key)))
	assert.Equal(t, uint64(32), l.Height())
	assert.Equal(t, uint64(32), l.Nonce(bob))
}

func TestFilterLogs(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := emitTopics(l, alice, topicA, common.BytesToHash(alice.Bytes()))
	require.Nil(t, err)
	_, err = emitTopics(l, bob, topicB, common.BytesToHash(bob.Bytes()))
	require.Nil(t, err)
	_, err = emitTopics(l, alice, topicA, common.BytesToHash(bob.Bytes()))
	require.Nil(t, err)

	tests := []struct {
		name   string
		query  ethereum.FilterQuery
		blocks []uint64
	}{
		{"all", ethereum.FilterQuery{}, []uint64{1, 2, 3}},
		{"address", ethereum.FilterQuery{Addresses: []common.Address{contract}}, []uint64{1, 2, 3}},
		{"other address", ethereum.FilterQuery{Addresses: []common.Address{alice}}, nil},
		{"first topic", ethereum.FilterQuery{Topics: [][]common.Hash{{topicA}}}, []uint64{1, 3}},
		{"topic or-set", ethereum.FilterQuery{Topics: [][]common.Hash{{topicA, topicB}}}, []uint64{1, 2, 3}},
		{"wildcard then second", ethereum.FilterQuery{Topics: [][]common.Hash{{}, {common.BytesToHash(bob.Bytes())}}}, []uint64{2, 3}},
		{"too many positions", ethereum.FilterQuery{Topics: [][]common.Hash{{}, {}, {topicA}}}, nil},
		{"range", ethereum.FilterQuery{FromBlock: big.NewInt(2), ToBlock: big.NewInt(2)}, []uint64{2}},
		{"from beyond head", ethereum.FilterQuery{FromBlock: big.NewInt(10)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs, err := l.FilterLogs(context.Background(), tt.query)
			require.Nil(t, err)
			var blocks []uint64
			for _, log := range logs {
				blocks = append(blocks, log.BlockNumber)
			}
			assert.Equal(t, tt.blocks, blocks)
		})
	}

	hash := common.HexToHash("0x01")
	_, err = l.FilterLogs(context.Background(), ethereum.FilterQuery{BlockHash: &hash})
	assert.True(t, errors.Is(err, ErrBlockHashFilter))
}

func TestSubscribeFilterLogs(t *testing.T) {
	l, _ := newTestLedger(t)

	ch := make(chan types.Log, 10)
	sub, err := l.SubscribeFilterLogs(context.Background(), ethereum.FilterQuery{
		Topics: [][]common.Hash{{topicA}},
	}, ch)
	require.Nil(t, err)

	_, err = emitTopics(l, alice, topicA)
	require.Nil(t, err)
	_, err = emitTopics(l, alice, topicB)
	require.Nil(t, err)
	_, err = emitTopics(l, bob, topicA)
	require.Nil(t, err)

	first := <-ch
	second := <-ch
	assert.Equal(t, uint64(1), first.BlockNumber)
	assert.Equal(t, uint64(3), second.BlockNumber)
	assert.Empty(t, ch)

	sub.Unsubscribe()
	_, ok := <-sub.Err()
	assert.False(t, ok)

	_, err = emitTopics(l, alice, topicA)
	require.Nil(t, err)
	assert.Empty(t, ch)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := l.SubscribeFilterLogs(ctx, ethereum.FilterQuery{}, make(chan types.Log))
	require.Nil(t, err)
	cancel()

	select {
	case <-sub.Err():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
}
