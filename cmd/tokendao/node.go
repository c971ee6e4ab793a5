package main

import (
	"context"
	"fmt"
	"time"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/axiomesh/axiom-kit/storage/leveldb"
	"github.com/axiomesh/tokendao/api"
	"github.com/axiomesh/tokendao/core"
	"github.com/axiomesh/tokendao/ledger"
	"github.com/axiomesh/tokendao/repo"
	"github.com/axiomesh/tokendao/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// node wires the ledger, token source, voting engine, indexer and HTTP
// server of one repo together.
type node struct {
	logger *logrus.Logger

	ledger  *ledger.Ledger
	dao     *core.DAO
	indexer *core.Indexer
	server  *api.Server

	// closed in reverse order on Stop
	closers []func() error
}

func newNode(ctx context.Context, r *repo.Repo) (*node, error) {
	cfg := r.Config
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	logger := log.New()
	logger.SetLevel(log.ParseLevel(cfg.Log.Level))

	n := &node{logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = n.close()
		}
	}()

	db, err := leveldb.New(r.StoragePath(cfg.Ledger.StorageDir))
	if err != nil {
		return nil, errors.Wrap(err, "open ledger storage")
	}
	n.ledger = ledger.New(db, ledger.SystemClock{}, logger.WithField("module", "ledger"))
	n.closers = append(n.closers, n.ledger.Close)

	tok, err := n.newToken(ctx, cfg)
	if err != nil {
		return nil, err
	}

	contract := common.HexToAddress(cfg.Ledger.ContractAddr)
	n.dao = core.New(n.ledger, tok, contract, logger.WithField("module", "dao"))
	if err := n.deploy(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.Indexer.Enabled {
		if err := n.newIndexer(ctx, r, contract); err != nil {
			return nil, err
		}
	}

	n.server = api.NewServer(&cfg.API, n.dao, n.ledger, n.indexer, logger.WithField("module", "api"))

	ok = true
	return n, nil
}

func (n *node) newToken(ctx context.Context, cfg *repo.Config) (token.BalanceReader, error) {
	addr := common.HexToAddress(cfg.Token.Address)

	switch cfg.Token.Mode {
	case repo.TokenModeERC20:
		client, err := core.Dial(ctx, cfg.Token.DialUrl, n.logger.WithField("module", "token"))
		if err != nil {
			return nil, errors.Wrapf(err, "dial token node %s", cfg.Token.DialUrl)
		}
		n.closers = append(n.closers, func() error {
			client.Close()
			return nil
		})
		return token.NewERC20(addr, client), nil
	default:
		if cfg.Governance.Owner == "" {
			return nil, errors.New("governance.owner is required to mint the token book")
		}
		supply, err := cfg.TotalSupplyAmount()
		if err != nil {
			return nil, err
		}
		allocations := make([]token.Allocation, 0, len(cfg.Token.Allocations))
		for _, a := range cfg.Token.Allocations {
			amount, err := repo.ParseAmount(a.Amount)
			if err != nil {
				return nil, err
			}
			allocations = append(allocations, token.Allocation{
				Account: common.HexToAddress(a.Address),
				Amount:  amount,
			})
		}

		book := token.NewBook(addr)
		if err := book.Mint(common.HexToAddress(cfg.Governance.Owner), supply, allocations); err != nil {
			return nil, errors.Wrap(err, "mint token book")
		}
		n.logger.WithFields(logrus.Fields{
			"supply":      supply.String(),
			"allocations": len(allocations),
		}).Info("Mint token book")
		return book, nil
	}
}

// deploy initialises governance on a fresh ledger; later starts keep the
// stored settings and ignore the config values.
func (n *node) deploy(ctx context.Context, cfg *repo.Config) error {
	if n.dao.Deployed() {
		return nil
	}
	if cfg.Governance.Owner == "" {
		return errors.New("governance.owner is required to deploy")
	}
	quorum, err := cfg.QuorumAmount()
	if err != nil {
		return err
	}
	period := uint64(cfg.Governance.VotingPeriod / time.Second)

	_, err = n.dao.Deploy(ctx, common.HexToAddress(cfg.Governance.Owner), common.HexToAddress(cfg.Token.Address), quorum, period)
	return err
}

func (n *node) newIndexer(ctx context.Context, r *repo.Repo, contract common.Address) error {
	cfg := r.Config
	logger := n.logger.WithField("module", "indexer")

	var client core.Client = n.ledger
	if cfg.Indexer.DialUrl != "" {
		remote, err := core.Dial(ctx, cfg.Indexer.DialUrl, logger)
		if err != nil {
			return errors.Wrapf(err, "dial indexer node %s", cfg.Indexer.DialUrl)
		}
		n.closers = append(n.closers, func() error {
			remote.Close()
			return nil
		})
		client = remote
	}

	db, err := leveldb.New(r.StoragePath(cfg.Indexer.StorageDir))
	if err != nil {
		return errors.Wrap(err, "open indexer storage")
	}
	n.closers = append(n.closers, db.Close)

	n.indexer = core.NewIndexer(ctx, client, db, contract, cfg.Indexer.FromBlock, logger)
	return nil
}

func (n *node) Start() error {
	if n.indexer != nil {
		if err := n.indexer.Start(); err != nil {
			return fmt.Errorf("start indexer: %w", err)
		}
		n.closers = append(n.closers, n.indexer.Stop)
	}
	return n.server.Start()
}

func (n *node) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.server.Stop(ctx); err != nil {
		n.logger.WithField("err", err).Warn("Stop HTTP server")
	}
	return n.close()
}

func (n *node) close() error {
	var first error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	n.closers = nil
	return first
}
