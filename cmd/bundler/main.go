// Copyright 2025 The erc4337-bundler Authors
// This file is part of the erc4337-bundler library.
//
// The erc4337-bundler library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The erc4337-bundler library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the erc4337-bundler library. If not, see <http://www.gnu.org/licenses/>.

// Command bundler runs the ERC-4337 bundler server: it loads configuration,
// dials the chain, opens the store, reloads the mempool, starts the
// periodic bundle executor, and serves the JSON-RPC API until signaled to
// stop.
//
// Structured the way cmd/geth's own main assembles a node: urfave/cli
// drives flag parsing, go.uber.org/automaxprocs is invoked
// first thing to set GOMAXPROCS correctly under a container cgroup, and
// github.com/ethereum/go-ethereum/log does all logging.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ethbundler/erc4337-bundler/internal/bundler"
	"github.com/ethbundler/erc4337-bundler/internal/config"
	"github.com/ethbundler/erc4337-bundler/internal/rpcserver"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "path to the bundler's TOML configuration file",
	EnvVars: []string{"BUNDLER_CONFIG"},
}

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(log.Debug)); err != nil {
		log.Warn("Failed to set GOMAXPROCS", "err", err)
	}

	app := &cli.App{
		Name:   "bundler",
		Usage:  "ERC-4337 UserOperation bundler",
		Flags:  []cli.Flag{configFlag},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Error("Fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		// Missing required config or an invalid EntryPoint format is a
		// fatal startup error, exit code 1.
		return cli.Exit(fmt.Sprintf("config: %v", err), 1)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := bundler.New(rootCtx, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("bundler: %v", err), 1)
	}
	defer b.Close()

	go b.Executor.Run(rootCtx)

	srv := rpcserver.New(b, fmt.Sprintf(":%d", cfg.Port))
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serveErrCh:
		if err != nil {
			log.Error("RPC server stopped unexpectedly", "err", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("RPC server shutdown error", "err", err)
	}

	b.Executor.Stop()
	cancel()

	log.Info("Bundler stopped")
	return nil
}
