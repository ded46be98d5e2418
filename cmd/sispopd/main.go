package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/loopholelabs/polyglot"
	"github.com/olekukonko/tablewriter"
	"github.com/ordishs/gocore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/sispop-project/sispopd/chaincfg"
	"github.com/sispop-project/sispopd/chainobserver"
	"github.com/sispop-project/sispopd/model"
	"github.com/sispop-project/sispopd/settings"
	"github.com/sispop-project/sispopd/tracing"
	"github.com/sispop-project/sispopd/ulogger"
)

// progname is used by the build script for the binary name.
const progname = "sispopd"

var version string
var commit string

func init() {
	gocore.SetInfo(progname, version, commit)
	gocore.Log(progname)
}

func main() {
	logger := ulogger.NewZeroLogger(progname)

	app := &cli.App{
		Name:  progname,
		Usage: "batched service-node reward ledger and checkpoint registry",
		Commands: []*cli.Command{
			runCommand(logger),
			inspectCommand(logger),
			exportCommand(logger),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatalf("%v", err)
	}
}

// placeholderDeriver stands in for the host's real address-to-output-key
// derivation (wallet/key handling is out of scope for this module): it
// returns the address bytes unchanged. Every subcommand, run included, hands
// it to the chain observer; no subcommand here drives AddBlock, so it is
// never called on a real coinbase.
func placeholderDeriver(address model.Address, _ byte) ([]byte, error) {
	return []byte(address), nil
}

func runCommand(logger ulogger.Logger) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the daemon, observing blocks on the Chain Observer interface",
		Action: func(c *cli.Context) error {
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			tracing.Init(progname)
			defer tracing.Close()

			cfg := settings.New()

			observer, err := chainobserver.New(ctx, logger, cfg, placeholderDeriver)
			if err != nil {
				return fmt.Errorf("failed to start chain observer: %w", err)
			}
			defer observer.Close()

			// The host's block-acceptance path invokes observer.AddBlock/PopBlock;
			// wiring that transport is out of scope here.

			prometheusEndpoint, ok := gocore.Config().Get("prometheusEndpoint")
			if ok && prometheusEndpoint != "" {
				logger.Infof("starting prometheus endpoint on %s", prometheusEndpoint)
				http.Handle(prometheusEndpoint, promhttp.Handler())

				addr, _ := gocore.Config().Get("prometheusAddr", ":9090")

				server := &http.Server{
					Addr:         addr,
					ReadTimeout:  60 * time.Second,
					WriteTimeout: 60 * time.Second,
					IdleTimeout:  120 * time.Second,
				}

				go func() {
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Errorf("prometheus server stopped: %v", err)
					}
				}()
			}

			logger.Infof("%s started on network %s", progname, cfg.Network)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			logger.Infof("%s shutting down", progname)

			return nil
		},
	}
}

func inspectCommand(logger ulogger.Logger) *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "print the ledger height, batching backlog, top checkpoint, and active chain-compat constants",
		Action: func(c *cli.Context) error {
			ctx := c.Context

			cfg := settings.New()

			observer, err := chainobserver.New(ctx, logger, cfg, placeholderDeriver)
			if err != nil {
				return fmt.Errorf("failed to open stores: %w", err)
			}
			defer observer.Close()

			height, err := observer.Ledger().Height(ctx)
			if err != nil {
				return fmt.Errorf("failed to read ledger height: %w", err)
			}

			backlog, err := observer.Ledger().BatchingCount(ctx)
			if err != nil {
				return fmt.Errorf("failed to read batching backlog: %w", err)
			}

			topCheckpoint, found, err := observer.Registry().GetMaxHeight(ctx)
			if err != nil {
				return fmt.Errorf("failed to read top checkpoint: %w", err)
			}

			topCheckpointStr := "none"
			if found {
				topCheckpointStr = strconv.FormatUint(topCheckpoint, 10)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"network", "ledger height", "batching backlog", "top checkpoint", "checkpoint interval", "persist interval", "min checkpoint version"})
			table.Append([]string{
				cfg.Network,
				strconv.FormatUint(height, 10),
				strconv.FormatUint(backlog, 10),
				topCheckpointStr,
				strconv.FormatUint(chaincfg.CheckpointInterval, 10),
				strconv.FormatUint(chaincfg.CheckpointStorePersistentlyInterval, 10),
				strconv.FormatUint(uint64(chaincfg.MinCheckpointVersion), 10),
			})
			table.Render()

			return nil
		},
	}
}

func exportCommand(logger ulogger.Logger) *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "export the network name and top checkpoint height to a binary snapshot file",
		ArgsUsage: "<output-file>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("export requires exactly one argument: the output file path")
			}

			ctx := c.Context

			cfg := settings.New()

			observer, err := chainobserver.New(ctx, logger, cfg, placeholderDeriver)
			if err != nil {
				return fmt.Errorf("failed to open stores: %w", err)
			}
			defer observer.Close()

			top, found, err := observer.Registry().GetMaxHeight(ctx)
			if err != nil {
				return fmt.Errorf("failed to read top checkpoint: %w", err)
			}

			buf := polyglot.NewBuffer()
			enc := polyglot.Encoder(buf)
			enc.String(cfg.Network)
			enc.Uint64(top)

			if !found {
				enc.Uint32(0)
			} else {
				enc.Uint32(1)
			}

			if err := os.WriteFile(c.Args().First(), buf.Bytes(), 0o644); err != nil {
				return fmt.Errorf("failed to write export file: %w", err)
			}

			logger.Infof("exported registry snapshot (network=%s, top checkpoint=%d) to %s", cfg.Network, top, c.Args().First())

			return nil
		},
	}
}
