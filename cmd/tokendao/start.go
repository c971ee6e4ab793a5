package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/axiomesh/tokendao"
	"github.com/axiomesh/tokendao/repo"
	"github.com/urfave/cli/v2"
)

func start(ctx *cli.Context) error {
	p, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	r, err := repo.Load(p)
	if err != nil {
		return err
	}

	err = log.Initialize(
		log.WithReportCaller(r.Config.Log.ReportCaller),
		log.WithPersist(true),
		log.WithFilePath(filepath.Join(r.Config.RepoRoot, repo.LogsDirName)),
		log.WithFileName(r.Config.Log.Filename),
		log.WithMaxAge(r.Config.Log.MaxAge),
		log.WithRotationTime(r.Config.Log.RotationTime),
	)
	if err != nil {
		return fmt.Errorf("log initialize: %w", err)
	}

	printVersion()

	n, err := newNode(ctx.Context, r)
	if err != nil {
		return fmt.Errorf("new node error: %w", err)
	}

	if err := n.Start(); err != nil {
		_ = n.Stop()
		return fmt.Errorf("start node failed: %w", err)
	}

	fmt.Printf("=============TokenDAO is ready on %s=============\n", n.server.Addr())

	waitShutdown()
	fmt.Println("received interrupt signal, shutting down...")
	return n.Stop()
}

func printVersion() {
	fmt.Printf("TokenDAO version: %s-%s-%s\n", tokendao.CurrentVersion, tokendao.CurrentBranch, tokendao.CurrentCommit)
	fmt.Printf("App build date: %s\n", tokendao.BuildDate)
	fmt.Printf("System version: %s\n", tokendao.Platform)
	fmt.Printf("Golang version: %s\n", tokendao.GoVersion)
	fmt.Println()
}

func waitShutdown() {
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
}
