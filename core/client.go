package core

import (
	"context"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/axiomesh/tokendao/ledger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Client is a source of governance logs: the local ledger or a remote node.
type Client interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error)
}

var (
	_ Client = (*ledger.Ledger)(nil)
	_ Client = (*ethclient.Client)(nil)
)

// DialRetryBackoff is the first Fibonacci backoff step between dial attempts.
var DialRetryBackoff = 5 * time.Second

// Dial connects to a node, retrying with Fibonacci backoff.
func Dial(ctx context.Context, url string, logger logrus.FieldLogger) (*ethclient.Client, error) {
	var client *ethclient.Client

	action := func(attempt uint) error {
		var err error
		client, err = ethclient.DialContext(ctx, url)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"url":     url,
				"attempt": attempt,
				"err":     err,
			}).Warn("Dial node failed")
			return err
		}
		return nil
	}

	if err := retry.Retry(action, strategy.Limit(5), strategy.Backoff(backoff.Fibonacci(DialRetryBackoff))); err != nil {
		return nil, err
	}
	return client, nil
}
