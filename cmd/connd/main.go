// Command connd runs the connection-management daemon: it loads a
// TOML config, opens the address book, and starts the scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/api"
	"github.com/gossipmesh/connd/capability"
	"github.com/gossipmesh/connd/config"
	"github.com/gossipmesh/connd/hub"
	"github.com/gossipmesh/connd/internal/log"
	"github.com/gossipmesh/connd/peer"
	"github.com/gossipmesh/connd/query"
	"github.com/gossipmesh/connd/scheduler"
	"github.com/gossipmesh/connd/staging"
	"github.com/gossipmesh/connd/store"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to connd.toml",
		Value: "connd.toml",
	}
	dataDirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "address book storage directory, overrides the config file's path",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "connd"
	app.Usage = "gossip-overlay connection management daemon"
	app.Flags = []cli.Flag{configFlag, dataDirFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("connd: %v", err))
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfgFile, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		log.Warn("no config file found, using defaults", "path", c.String(configFlag.Name), "err", err)
		cfgFile = config.Default()
	}
	if dd := c.String(dataDirFlag.Name); dd != "" {
		cfgFile.Path = dd
	}
	if cfgFile.Path == "" {
		cfgFile.Path = "./connd-data"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var archiver store.Archiver
	if cfgFile.Archive.AccountName != "" && cfgFile.Archive.ContainerURL != "" {
		a, err := store.NewAzureArchiver(cfgFile.Archive.AccountName, cfgFile.Archive.AccountKey, cfgFile.Archive.ContainerURL, cfgFile.Archive.BlobName)
		if err != nil {
			log.Warn("azure archiver disabled", "err", err)
		} else {
			archiver = a
		}
	}

	db, err := store.Open(cfgFile.Path, archiver)
	if err != nil {
		return fmt.Errorf("opening address book: %w", err)
	}
	defer db.Close()

	var seeds scheduler.SeedResolver
	if cfgFile.DNSSeed.ZoneID != "" && cfgFile.DNSSeed.RecordFQDN != "" {
		r, err := store.NewDNSSeedResolver(ctx, cfgFile.DNSSeed.ZoneID, cfgFile.DNSSeed.RecordFQDN)
		if err != nil {
			log.Warn("dns seed resolver disabled", "err", err)
		} else {
			seeds = r
		}
	}

	h := hub.New(noopDialer{})
	stage := staging.New(h)
	q := query.New(db, h, stage)

	sched := scheduler.New(scheduler.Deps{
		DB:      db,
		Hub:     h,
		Staging: stage,
		Query:   q,
		Network: capability.NewGopsutilNetwork(),
		Seeds:   seeds,
	}, cfgFile.ToSchedulerConfig())

	core := &api.Core{DB: db, Hub: h, Staging: stage, Query: q, Scheduler: sched}

	if cfgFile.Conn.Autostart {
		if err := core.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	color.Green("connd running, storing address book at %s", cfgFile.Path)
	<-ctx.Done()

	log.Info("shutting down")
	core.Stop(context.Background())
	return nil
}

// noopDialer is the built-in Dialer used when no transport has been
// wired in: every dial fails immediately rather than hanging, so a
// freshly started daemon's scheduler still exercises its backoff and
// quota logic without a real network stack.
type noopDialer struct{}

func (noopDialer) Dial(ctx context.Context, addr address.Address, data peer.Patch) (hub.Conn, error) {
	return nil, fmt.Errorf("connd: no transport configured, cannot dial %s", addr)
}
