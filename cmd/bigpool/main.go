// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Bigpool operates a pool of compute hosts: it serves a machine's
// units to the pool and administers running hosts.
//
//	bigpool serve
//	bigpool validate [host ...]
//	bigpool avail [host ...]
//	bigpool status [host ...]
//	bigpool reserve -kind cpu -n 4 [host ...]
//	bigpool set-total -kind gpu -n 2 host
//	bigpool shutdown host [host ...]
//	bigpool config init
//
// Hosts default to the favorites listed in the config file.
package main

import (
	"context"
	"fmt"
	golog "log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/api"
	"github.com/grailbio/bigpool/client"
	"github.com/grailbio/bigpool/config"
	"github.com/grailbio/bigpool/server"
	"github.com/grailbio/bigpool/worker"
	"github.com/urfave/cli/v2"
)

func main() {
	// Hosts spawn same-binary workers by re-executing themselves, so
	// the worker bootstrap must run before anything else.
	worker.Init()

	log.SetFlags(0)
	log.SetPrefix("bigpool: ")

	app := &cli.App{
		Name:    "bigpool",
		Usage:   "run and operate a pool of compute hosts",
		Version: api.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the config file",
				EnvVars: []string{"BIGPOOL_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "key",
				Usage:   "pool authentication key, overriding the config",
				EnvVars: []string{"BIGPOOL_KEY"},
			},
		},
		Commands: []*cli.Command{
			serveCmd,
			validateCmd,
			availCmd,
			statusCmd,
			reserveCmd,
			setTotalCmd,
			shutdownCmd,
			configCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if key := cctx.String("key"); key != "" {
		cfg.Key = key
	}
	if err := applyLogLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newBroker(cctx *cli.Context) (*client.Broker, error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, err
	}
	return client.New(cfg), nil
}

// hosts returns the command's positional host arguments, falling back
// to the configured favorites.
func hosts(cctx *cli.Context, cfg *config.Config) ([]string, error) {
	addrs := cctx.Args().Slice()
	if len(addrs) == 0 {
		addrs = cfg.Client.Favorites
	}
	if len(addrs) == 0 {
		return nil, errors.E(errors.Invalid, "no hosts given and no favorites configured")
	}
	return addrs, nil
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "serve this machine's compute units to the pool",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "host:port to listen on, overriding the config",
		},
		&cli.IntFlag{
			Name:  "cpu",
			Usage: "CPU units to advertise (0 autodetects)",
		},
		&cli.IntFlag{
			Name:  "gpu",
			Usage: "GPU units to advertise",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if addr := cctx.String("listen"); addr != "" {
			cfg.Server.ListenAddress = addr
		}
		if cctx.IsSet("cpu") {
			cfg.Server.CPU = cctx.Int("cpu")
		}
		if cctx.IsSet("gpu") {
			cfg.Server.GPU = cctx.Int("gpu")
		}
		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		s, err := server.New(cfg)
		if err != nil {
			return err
		}
		defer s.Close() // nolint: errcheck
		log.Printf("serving pool host on %s", cfg.Server.ListenAddress)
		return s.ListenAndServe(ctx)
	},
}

var validateCmd = &cli.Command{
	Name:      "validate",
	Usage:     "probe pool hosts and report the usable ones",
	ArgsUsage: "[host ...]",
	Action: func(cctx *cli.Context) error {
		b, err := newBroker(cctx)
		if err != nil {
			return err
		}
		defer b.Close() // nolint: errcheck
		valid, err := b.Validate(cctx.Context, cctx.Args().Slice())
		if err != nil {
			return err
		}
		for _, addr := range valid {
			fmt.Println(addr)
		}
		return nil
	},
}

var availCmd = &cli.Command{
	Name:      "avail",
	Usage:     "report free units per host",
	ArgsUsage: "[host ...]",
	Action: func(cctx *cli.Context) error {
		b, err := newBroker(cctx)
		if err != nil {
			return err
		}
		defer b.Close() // nolint: errcheck
		avail, err := b.Available(cctx.Context, cctx.Args().Slice())
		if err != nil {
			return err
		}
		addrs := make([]string, 0, len(avail))
		for addr := range avail {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)
		for _, addr := range addrs {
			free := avail[addr]
			fmt.Printf("%s\tcpu=%d\tgpu=%d\n", addr, free[bigpool.CPU], free[bigpool.GPU])
		}
		return nil
	},
}

var statusCmd = &cli.Command{
	Name:      "status",
	Usage:     "report each host's sessions, tasks, and inventory",
	ArgsUsage: "[host ...]",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		addrs, err := hosts(cctx, cfg)
		if err != nil {
			return err
		}
		b := client.New(cfg)
		defer b.Close() // nolint: errcheck
		for _, addr := range addrs {
			st, err := b.Stat(cctx.Context, addr)
			if err != nil {
				return errors.E("stat", addr, err)
			}
			fmt.Printf("%s\tversion=%s\tcpu=%d/%d\tgpu=%d/%d\n", addr, st.Version,
				st.Available[bigpool.CPU], st.Totals[bigpool.CPU],
				st.Available[bigpool.GPU], st.Totals[bigpool.GPU])
			for _, sess := range st.Sessions {
				fmt.Printf("  session %s\tidle=%s\tinflight=%d\tallocs=%d\ttasks=%d\n",
					sess.ID, sess.Idle.Round(time.Millisecond), sess.Inflight, sess.Allocs, sess.Tasks)
			}
			for _, task := range st.Tasks {
				fmt.Printf("  task %s\tstate=%s\tnodes=%v\tage=%s\n",
					task.ID, task.State, task.Nodes, task.Age.Round(time.Millisecond))
			}
		}
		return nil
	},
}

var reserveCmd = &cli.Command{
	Name:      "reserve",
	Usage:     "hold units on pool hosts until interrupted",
	ArgsUsage: "[host ...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "kind",
			Usage: "unit kind to reserve (cpu or gpu)",
			Value: "cpu",
		},
		&cli.IntFlag{
			Name:  "n",
			Usage: "number of units to reserve",
			Value: 1,
		},
	},
	Action: func(cctx *cli.Context) error {
		b, err := newBroker(cctx)
		if err != nil {
			return err
		}
		defer b.Close() // nolint: errcheck
		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		alloc, err := b.Allocate(ctx, bigpool.Kind(cctx.String("kind")), cctx.Int("n"), cctx.Args().Slice())
		if err != nil {
			return err
		}
		for _, a := range alloc.Allocs {
			fmt.Printf("%s\t%d\t%s\n", a.Addr, a.N, a.ID)
		}
		log.Printf("holding %d %s units; interrupt to release", alloc.N(), alloc.Kind)
		<-ctx.Done()
		return b.Release(context.Background(), alloc)
	},
}

var setTotalCmd = &cli.Command{
	Name:      "set-total",
	Usage:     "adjust a host's unit inventory",
	ArgsUsage: "host",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "kind",
			Usage: "unit kind to adjust (cpu or gpu)",
			Value: "cpu",
		},
		&cli.IntFlag{
			Name:     "n",
			Usage:    "new total",
			Required: true,
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.E(errors.Invalid, "set-total takes exactly one host")
		}
		b, err := newBroker(cctx)
		if err != nil {
			return err
		}
		defer b.Close() // nolint: errcheck
		return b.SetTotal(cctx.Context, cctx.Args().First(), bigpool.Kind(cctx.String("kind")), cctx.Int("n"))
	},
}

var shutdownCmd = &cli.Command{
	Name:      "shutdown",
	Usage:     "ask pool hosts to stop serving",
	ArgsUsage: "host [host ...]",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return errors.E(errors.Invalid, "shutdown requires explicit hosts")
		}
		b, err := newBroker(cctx)
		if err != nil {
			return err
		}
		defer b.Close() // nolint: errcheck
		for _, addr := range cctx.Args().Slice() {
			if err := b.Shutdown(cctx.Context, addr); err != nil {
				return errors.E("shutdown", addr, err)
			}
			log.Printf("%s shutting down", addr)
		}
		return nil
	},
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "manage the config file",
	Subcommands: []*cli.Command{
		{
			Name:  "init",
			Usage: "write a default config file",
			Action: func(cctx *cli.Context) error {
				path := cctx.String("config")
				if path == "" {
					path = config.DefaultPath()
				}
				if _, err := os.Stat(path); err == nil {
					return errors.E(errors.Exists, "config file already exists", path)
				}
				if err := config.Default().Write(path); err != nil {
					return err
				}
				log.Printf("wrote %s", path)
				return nil
			},
		},
	},
}

// leveledOutput clamps log output at a configured level, printing
// through the standard logger so SetFlags and SetPrefix still apply.
type leveledOutput struct {
	level log.Level
}

func (l leveledOutput) Level() log.Level { return l.level }

func (l leveledOutput) Output(calldepth int, level log.Level, s string) error {
	if level > l.level {
		return nil
	}
	return golog.Output(calldepth+1, s)
}

func applyLogLevel(name string) error {
	var level log.Level
	switch name {
	case "off":
		level = log.Off
	case "error":
		level = log.Error
	case "", "info":
		level = log.Info
	case "debug":
		level = log.Debug
	default:
		return errors.E(errors.Invalid, "unknown log level "+name)
	}
	log.SetOutputter(leveledOutput{level: level})
	return nil
}
