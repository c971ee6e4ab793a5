package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrBlockHashFilter = errors.New("filtering by block hash is not supported")

// FilterLogs returns committed logs matching q. A nil FromBlock starts at
// block 1 and a nil ToBlock ends at the current height.
func (l *Ledger) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if q.BlockHash != nil {
		return nil, ErrBlockHashFilter
	}

	from := uint64(1)
	if q.FromBlock != nil && q.FromBlock.Sign() > 0 {
		from = q.FromBlock.Uint64()
	}
	to := l.Height()
	if q.ToBlock != nil && q.ToBlock.Sign() > 0 && q.ToBlock.Uint64() < to {
		to = q.ToBlock.Uint64()
	}

	var out []types.Log
	for n := from; n <= to; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logs, err := l.blockLogs(n)
		if err != nil {
			return nil, err
		}
		for _, log := range logs {
			if matchLog(log, q.Addresses, q.Topics) {
				out = append(out, *log)
			}
		}
	}
	return out, nil
}

// SubscribeFilterLogs streams logs of blocks committed after the call.
// Delivery blocks until ch accepts the log or the subscription ends.
func (l *Ledger) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if q.BlockHash != nil {
		return nil, ErrBlockHashFilter
	}
	sub := &subscription{
		ledger: l,
		query:  q,
		ch:     ch,
		quit:   make(chan struct{}),
		err:    make(chan error, 1),
	}

	l.subMu.Lock()
	l.subs[sub] = struct{}{}
	l.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.quit:
		}
	}()

	return sub, nil
}

func (l *Ledger) deliver(logs []*types.Log) {
	if len(logs) == 0 {
		return
	}

	l.subMu.Lock()
	subs := make([]*subscription, 0, len(l.subs))
	for s := range l.subs {
		subs = append(subs, s)
	}
	l.subMu.Unlock()

	for _, s := range subs {
		s.send(logs)
	}
}

type subscription struct {
	ledger *Ledger
	query  ethereum.FilterQuery
	ch     chan<- types.Log
	quit   chan struct{}
	err    chan error
	once   sync.Once
}

func (s *subscription) send(logs []*types.Log) {
	for _, log := range logs {
		if !matchLog(log, s.query.Addresses, s.query.Topics) {
			continue
		}
		if s.query.FromBlock != nil && s.query.FromBlock.Sign() > 0 && log.BlockNumber < s.query.FromBlock.Uint64() {
			continue
		}
		if s.query.ToBlock != nil && s.query.ToBlock.Sign() > 0 && log.BlockNumber > s.query.ToBlock.Uint64() {
			continue
		}
		select {
		case s.ch <- *log:
		case <-s.quit:
			return
		}
	}
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.ledger.subMu.Lock()
		delete(s.ledger.subs, s)
		s.ledger.subMu.Unlock()
		close(s.quit)
		close(s.err)
	})
}

func (s *subscription) Err() <-chan error {
	return s.err
}

// matchLog applies Ethereum filter rules: any address in the set, and for
// each topic position an OR-set where an empty set matches anything.
func matchLog(log *types.Log, addresses []common.Address, topics [][]common.Hash) bool {
	if len(addresses) > 0 {
		found := false
		for _, a := range addresses {
			if log.Address == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(topics) > len(log.Topics) {
		return false
	}
	for i, sub := range topics {
		if len(sub) == 0 {
			continue
		}
		found := false
		for _, t := range sub {
			if log.Topics[i] == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
