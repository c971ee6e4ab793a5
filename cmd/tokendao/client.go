package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/axiomesh/tokendao/api"
	"github.com/axiomesh/tokendao/repo"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var (
	apiFlag = &cli.StringFlag{
		Name:    "api",
		Usage:   "TokenDAO HTTP endpoint",
		Value:   "http://127.0.0.1:9191",
		EnvVars: []string{"TOKENDAO_API"},
	}

	keyFlag = &cli.StringFlag{
		Name:     "key",
		Usage:    "Path of the hex encoded secp256k1 private key that signs requests",
		EnvVars:  []string{"TOKENDAO_KEY"},
		Required: true,
	}

	idFlag = &cli.Uint64Flag{
		Name:     "id",
		Usage:    "Proposal id",
		Required: true,
	}
)

var keyCMD = &cli.Command{
	Name:  "key",
	Usage: "The signing key commands",
	Subcommands: []*cli.Command{
		{
			Name:      "generate",
			Usage:     "Generate a new private key file",
			ArgsUsage: "<path>",
			Action:    generateKey,
		},
		{
			Name:      "address",
			Usage:     "Show the address of a private key file",
			ArgsUsage: "<path>",
			Action:    keyAddress,
		},
	},
}

var proposalCMD = &cli.Command{
	Name:  "proposal",
	Usage: "The proposal commands",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Create a proposal",
			Flags: []cli.Flag{apiFlag, keyFlag, &cli.StringFlag{
				Name:     "description",
				Usage:    "Proposal description",
				Required: true,
			}},
			Action: createProposal,
		},
		{
			Name:  "vote",
			Usage: "Vote on a proposal with the full balance of the key",
			Flags: []cli.Flag{apiFlag, keyFlag, idFlag, &cli.BoolFlag{
				Name:  "against",
				Usage: "Vote against instead of for",
			}},
			Action: castVote,
		},
		{
			Name:   "execute",
			Usage:  "Execute a proposal whose voting period ended",
			Flags:  []cli.Flag{apiFlag, keyFlag, idFlag},
			Action: executeProposal,
		},
		{
			Name:   "show",
			Usage:  "Show one proposal",
			Flags:  []cli.Flag{apiFlag, idFlag},
			Action: showProposal,
		},
		{
			Name:  "list",
			Usage: "List proposals",
			Flags: []cli.Flag{apiFlag,
				&cli.Uint64Flag{Name: "from", Usage: "First proposal id"},
				&cli.Uint64Flag{Name: "limit", Usage: "Maximum number of proposals, 0 for all"},
			},
			Action: listProposals,
		},
		{
			Name:   "history",
			Usage:  "Show the indexed history of one proposal",
			Flags:  []cli.Flag{apiFlag, idFlag},
			Action: proposalHistory,
		},
	},
}

var settingsCMD = &cli.Command{
	Name:  "settings",
	Usage: "The governance settings commands",
	Subcommands: []*cli.Command{
		{
			Name:   "show",
			Usage:  "Show owner, quorum and voting period",
			Flags:  []cli.Flag{apiFlag},
			Action: showSettings,
		},
		{
			Name:      "set-quorum",
			Usage:     "Change the quorum, owner only",
			ArgsUsage: "<amount>",
			Flags:     []cli.Flag{apiFlag, keyFlag},
			Action:    setQuorum,
		},
		{
			Name:      "set-voting-period",
			Usage:     "Change the voting period of new proposals, owner only",
			ArgsUsage: "<duration|seconds>",
			Flags:     []cli.Flag{apiFlag, keyFlag},
			Action:    setVotingPeriod,
		},
		{
			Name:   "history",
			Usage:  "Show indexed settings changes",
			Flags:  []cli.Flag{apiFlag},
			Action: settingsHistory,
		},
	},
}

func generateKey(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return errors.New("key path is required")
	}
	if repo.Exist(path) {
		return fmt.Errorf("%s already exists", path)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return errors.Wrap(err, "save key")
	}
	fmt.Println(crypto.PubkeyToAddress(key.PublicKey).Hex())
	return nil
}

func keyAddress(ctx *cli.Context) error {
	key, err := crypto.LoadECDSA(ctx.Args().First())
	if err != nil {
		return errors.Wrap(err, "load key")
	}
	fmt.Println(crypto.PubkeyToAddress(key.PublicKey).Hex())
	return nil
}

func newClient(ctx *cli.Context) (*api.Client, error) {
	var key *ecdsa.PrivateKey
	if path := ctx.String(keyFlag.Name); path != "" {
		var err error
		key, err = crypto.LoadECDSA(path)
		if err != nil {
			return nil, errors.Wrapf(err, "load key %s", path)
		}
	}
	return api.NewClient(ctx.String(apiFlag.Name), key, log.New()), nil
}

func createProposal(ctx *cli.Context) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	id, receipt, err := c.CreateProposal(ctx.Context, ctx.String("description"))
	if err != nil {
		return err
	}
	return printJSON(&api.CreateProposalResponse{ID: id, Receipt: receipt})
}

func castVote(ctx *cli.Context) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	receipt, err := c.CastVote(ctx.Context, ctx.Uint64(idFlag.Name), !ctx.Bool("against"))
	if err != nil {
		return err
	}
	return printJSON(receipt)
}

func executeProposal(ctx *cli.Context) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	receipt, err := c.ExecuteProposal(ctx.Context, ctx.Uint64(idFlag.Name))
	if err != nil {
		return err
	}
	return printJSON(receipt)
}

func showProposal(ctx *cli.Context) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	p, err := c.Proposal(ctx.Context, ctx.Uint64(idFlag.Name))
	if err != nil {
		return err
	}
	return printJSON(p)
}

func listProposals(ctx *cli.Context) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	res, err := c.Proposals(ctx.Context, ctx.Uint64("from"), ctx.Uint64("limit"))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func proposalHistory(ctx *cli.Context) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	rec, err := c.ProposalHistory(ctx.Context, ctx.Uint64(idFlag.Name))
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func showSettings(ctx *cli.Context) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	s, err := c.Settings(ctx.Context)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func setQuorum(ctx *cli.Context) error {
	amount, err := repo.ParseAmount(ctx.Args().First())
	if err != nil {
		return err
	}
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	receipt, err := c.SetQuorum(ctx.Context, amount)
	if err != nil {
		return err
	}
	return printJSON(receipt)
}

func setVotingPeriod(ctx *cli.Context) error {
	seconds, err := parsePeriod(ctx.Args().First())
	if err != nil {
		return err
	}
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	receipt, err := c.SetVotingPeriod(ctx.Context, seconds)
	if err != nil {
		return err
	}
	return printJSON(receipt)
}

func settingsHistory(ctx *cli.Context) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	h, err := c.SettingsHistory(ctx.Context)
	if err != nil {
		return err
	}
	return printJSON(h)
}

func balance(ctx *cli.Context) error {
	raw := ctx.Args().First()
	if !common.IsHexAddress(raw) {
		return fmt.Errorf("%q is not a hex address", raw)
	}
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	bal, err := c.Balance(ctx.Context, common.HexToAddress(raw))
	if err != nil {
		return err
	}
	fmt.Println(bal.String())
	return nil
}

// parsePeriod accepts a Go duration ("48h") or a plain number of seconds.
func parsePeriod(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseUint(s, 10, 64); err == nil {
		return secs, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid voting period %q", s)
	}
	if d < time.Second {
		return 0, fmt.Errorf("voting period %s is shorter than a second", d)
	}
	return uint64(d / time.Second), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
