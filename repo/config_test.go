package repo

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaultConfig(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")

	r, err := Load(root)
	require.Nil(t, err)
	assert.True(t, Exist(filepath.Join(root, cfgFileName)))
	assert.Equal(t, root, r.Config.RepoRoot)
	assert.Equal(t, DefaultConfig(root).Log, r.Config.Log)
	assert.Equal(t, DefaultConfig(root).API, r.Config.API)
	assert.Equal(t, TokenModeBook, r.Config.Token.Mode)

	q, err := r.Config.QuorumAmount()
	require.Nil(t, err)
	thousand, _ := new(big.Int).SetString("1000000000000000000000", 10)
	assert.Equal(t, 0, q.Cmp(thousand))
	assert.Equal(t, 48*time.Hour, r.Config.Governance.VotingPeriod)
}

func TestLoadRoundTripsAllocations(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig(root)
	cfg.Governance.Owner = "0x1000000000000000000000000000000000000001"
	cfg.Token.Allocations = []Allocation{
		{Address: "0x2000000000000000000000000000000000000002", Amount: "12000"},
		{Address: "0x3000000000000000000000000000000000000003", Amount: "5000"},
	}
	require.Nil(t, (&Repo{Config: cfg}).Flush())

	r, err := Load(root)
	require.Nil(t, err)
	assert.Equal(t, cfg.Governance.Owner, r.Config.Governance.Owner)
	assert.Equal(t, cfg.Token.Allocations, r.Config.Token.Allocations)
	assert.Nil(t, r.Config.Validate())
}

func TestLoadWithEnvOverride(t *testing.T) {
	root := t.TempDir()
	_, err := Load(root)
	require.Nil(t, err)

	t.Setenv("TOKENDAO_GOVERNANCE_QUORUM", "3000")
	t.Setenv("TOKENDAO_API_LISTEN", "0.0.0.0:8080")

	r, err := Load(root)
	require.Nil(t, err)
	assert.Equal(t, "3000", r.Config.Governance.Quorum)
	assert.Equal(t, "0.0.0.0:8080", r.Config.API.Listen)
}

func TestLoadRepoRootFromEnv(t *testing.T) {
	p, err := LoadRepoRootFromEnv("/explicit")
	require.Nil(t, err)
	assert.Equal(t, "/explicit", p)

	t.Setenv(rootPathEnvVar, "/from/env")
	p, err = LoadRepoRootFromEnv("")
	require.Nil(t, err)
	assert.Equal(t, "/from/env", p)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		ok     bool
	}{
		{"default", func(c *Config) {}, true},
		{"bad owner", func(c *Config) { c.Governance.Owner = "alice" }, false},
		{"bad quorum", func(c *Config) { c.Governance.Quorum = "1e18" }, false},
		{"negative quorum", func(c *Config) { c.Governance.Quorum = "-1" }, false},
		{"zero period", func(c *Config) { c.Governance.VotingPeriod = 0 }, false},
		{"unknown token mode", func(c *Config) { c.Token.Mode = "mint" }, false},
		{"erc20 without dial url", func(c *Config) {
			c.Token.Mode = TokenModeERC20
			c.Token.DialUrl = ""
		}, false},
		{"bad allocation", func(c *Config) {
			c.Token.Allocations = []Allocation{{Address: "0x2000000000000000000000000000000000000002", Amount: "ten"}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig(os.TempDir())
			tt.modify(c)
			err := c.Validate()
			if tt.ok {
				assert.Nil(t, err)
			} else {
				assert.NotNil(t, err)
			}
		})
	}
}

func TestStoragePath(t *testing.T) {
	r := &Repo{Config: DefaultConfig("/data/dao")}
	assert.Equal(t, "/data/dao/ledger", r.StoragePath("ledger"))
	assert.Equal(t, "/var/lib/idx", r.StoragePath("/var/lib/idx"))
}
