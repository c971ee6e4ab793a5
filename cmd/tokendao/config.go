package main

import (
	"fmt"
	"os"

	"github.com/axiomesh/tokendao/repo"
	"github.com/urfave/cli/v2"
)

var configCMD = &cli.Command{
	Name:  "config",
	Usage: "The config manage commands",
	Subcommands: []*cli.Command{
		{
			Name:   "generate",
			Usage:  "Generate default config",
			Action: generate,
		},
		{
			Name:   "show",
			Usage:  "Show the complete config processed by the environment variable",
			Action: show,
		},
		{
			Name:   "check",
			Usage:  "Check if the config file is valid",
			Action: check,
		},
		{
			Name:   "rewrite-with-env",
			Usage:  "Rewrite config with env",
			Action: rewriteWithEnv,
		},
	},
}

func generate(ctx *cli.Context) error {
	p, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	if repo.Exist(p) {
		fmt.Println("tokendao repo already exists")
		return nil
	}

	if err := os.MkdirAll(p, 0755); err != nil {
		return err
	}

	r := &repo.Repo{
		Config: repo.DefaultConfig(p),
	}
	if err := r.Flush(); err != nil {
		return err
	}

	fmt.Printf("initializing tokendao at %s\n", p)
	return nil
}

func show(ctx *cli.Context) error {
	r, ok, err := loadExisting(ctx)
	if err != nil || !ok {
		return err
	}
	str, err := repo.MarshalConfig(r.Config)
	if err != nil {
		return err
	}
	fmt.Println(str)
	return nil
}

func check(ctx *cli.Context) error {
	r, ok, err := loadExisting(ctx)
	if err != nil {
		return fmt.Errorf("config file format error, please check: %w", err)
	}
	if !ok {
		return nil
	}
	if err := r.Config.Validate(); err != nil {
		return fmt.Errorf("config is invalid: %w", err)
	}
	fmt.Println("config is valid")
	return nil
}

func rewriteWithEnv(ctx *cli.Context) error {
	r, ok, err := loadExisting(ctx)
	if err != nil || !ok {
		return err
	}
	return r.Flush()
}

// loadExisting loads the repo without creating it.
func loadExisting(ctx *cli.Context) (*repo.Repo, bool, error) {
	p, err := getRootPath(ctx)
	if err != nil {
		return nil, false, err
	}
	if !repo.Exist(p) {
		fmt.Println("tokendao repo not exist")
		return nil, false, nil
	}

	r, err := repo.Load(p)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func getRootPath(ctx *cli.Context) (string, error) {
	return repo.LoadRepoRootFromEnv(ctx.String("repo"))
}
