package repo

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	TokenModeBook  = "book"
	TokenModeERC20 = "erc20"
)

type Config struct {
	RepoRoot   string     `mapstructure:"-" toml:"-"`
	Log        Log        `mapstructure:"log" toml:"log"`
	Ledger     Ledger     `mapstructure:"ledger" toml:"ledger"`
	Governance Governance `mapstructure:"governance" toml:"governance"`
	Token      Token      `mapstructure:"token" toml:"token"`
	Indexer    Indexer    `mapstructure:"indexer" toml:"indexer"`
	API        API        `mapstructure:"api" toml:"api"`
}

type Log struct {
	Level        string        `mapstructure:"level" toml:"level"`
	Filename     string        `mapstructure:"filename" toml:"filename"`
	ReportCaller bool          `mapstructure:"report_caller" toml:"report_caller"`
	MaxAge       time.Duration `mapstructure:"max_age" toml:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time" toml:"rotation_time"`
}

type Ledger struct {
	// address stamped on every governance log
	ContractAddr string `mapstructure:"contract_addr" toml:"contract_addr"`
	StorageDir   string `mapstructure:"storage_dir" toml:"storage_dir"`
}

type Governance struct {
	// deployer and owner of the governance contract
	Owner string `mapstructure:"owner" toml:"owner"`
	// decimal amount in token base units
	Quorum       string        `mapstructure:"quorum" toml:"quorum"`
	VotingPeriod time.Duration `mapstructure:"voting_period" toml:"voting_period"`
}

type Allocation struct {
	Address string `mapstructure:"address" toml:"address"`
	Amount  string `mapstructure:"amount" toml:"amount"`
}

type Token struct {
	// book keeps balances in process, erc20 reads balanceOf from a deployed contract
	Mode        string       `mapstructure:"mode" toml:"mode"`
	Address     string       `mapstructure:"address" toml:"address"`
	DialUrl     string       `mapstructure:"dial_url" toml:"dial_url"`
	TotalSupply string       `mapstructure:"total_supply" toml:"total_supply"`
	Allocations []Allocation `mapstructure:"allocations" toml:"allocations"`
}

type Indexer struct {
	Enabled    bool   `mapstructure:"enabled" toml:"enabled"`
	StorageDir string `mapstructure:"storage_dir" toml:"storage_dir"`
	// empty means index the local ledger
	DialUrl string `mapstructure:"dial_url" toml:"dial_url"`
	// beginning of the queried range, 1 means first block
	FromBlock uint64 `mapstructure:"from_block" toml:"from_block"`
}

type API struct {
	Listen       string        `mapstructure:"listen" toml:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" toml:"write_timeout"`
}

func DefaultConfig(repoRoot string) *Config {
	return &Config{
		RepoRoot: repoRoot,
		Log: Log{
			Level:        "info",
			Filename:     "tokendao.log",
			ReportCaller: false,
			MaxAge:       30 * 24 * time.Hour,
			RotationTime: 24 * time.Hour,
		},
		Ledger: Ledger{
			ContractAddr: DAOContractAddr,
			StorageDir:   "ledger",
		},
		Governance: Governance{
			Owner: "",
			// 1000 tokens with 18 decimals
			Quorum:       "1000000000000000000000",
			VotingPeriod: 48 * time.Hour,
		},
		Token: Token{
			Mode:    TokenModeBook,
			Address: TokenContractAddr,
			DialUrl: "ws://localhost:8546",
			// 1 million tokens with 18 decimals
			TotalSupply: "1000000000000000000000000",
		},
		Indexer: Indexer{
			Enabled:    true,
			StorageDir: "indexer",
			FromBlock:  1,
		},
		API: API{
			Listen:       "127.0.0.1:9191",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Validate checks the fields that are parsed lazily at start.
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.Ledger.ContractAddr) {
		return fmt.Errorf("ledger.contract_addr %q is not a hex address", c.Ledger.ContractAddr)
	}
	if c.Governance.Owner != "" && !common.IsHexAddress(c.Governance.Owner) {
		return fmt.Errorf("governance.owner %q is not a hex address", c.Governance.Owner)
	}
	if _, err := c.QuorumAmount(); err != nil {
		return err
	}
	if c.Governance.VotingPeriod < time.Second {
		return fmt.Errorf("governance.voting_period must be at least 1s, got %s", c.Governance.VotingPeriod)
	}

	switch c.Token.Mode {
	case TokenModeBook:
		if _, err := c.TotalSupplyAmount(); err != nil {
			return err
		}
		for _, a := range c.Token.Allocations {
			if !common.IsHexAddress(a.Address) {
				return fmt.Errorf("token allocation address %q is not a hex address", a.Address)
			}
			if _, err := ParseAmount(a.Amount); err != nil {
				return fmt.Errorf("token allocation for %s: %w", a.Address, err)
			}
		}
	case TokenModeERC20:
		if c.Token.DialUrl == "" {
			return fmt.Errorf("token.dial_url is required in %s mode", TokenModeERC20)
		}
	default:
		return fmt.Errorf("unknown token.mode %q", c.Token.Mode)
	}
	if !common.IsHexAddress(c.Token.Address) {
		return fmt.Errorf("token.address %q is not a hex address", c.Token.Address)
	}

	return nil
}

func (c *Config) QuorumAmount() (*big.Int, error) {
	q, err := ParseAmount(c.Governance.Quorum)
	if err != nil {
		return nil, fmt.Errorf("governance.quorum: %w", err)
	}
	return q, nil
}

func (c *Config) TotalSupplyAmount() (*big.Int, error) {
	s, err := ParseAmount(c.Token.TotalSupply)
	if err != nil {
		return nil, fmt.Errorf("token.total_supply: %w", err)
	}
	return s, nil
}

// ParseAmount parses a non-negative decimal integer.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}
