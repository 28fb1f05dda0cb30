package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	defaults "github.com/xtxerr/coreset/config"
	"github.com/xtxerr/coreset/internal/client"
	"github.com/xtxerr/coreset/internal/storage/snapshot"
)

func runSync(args []string) (err error) {
	set := flag.NewFlagSet("sync", flag.ExitOnError)
	nf := addNodeFlags(set)
	serverAddr := set.String("server", "", "aggregator address (overrides config)")
	useTLS := set.Bool("tls", false, "connect with TLS")
	skipVerify := set.Bool("tls-skip-verify", false, "skip TLS certificate verification")
	every := set.Duration("every", 0, "keep syncing at this interval; 0 syncs once")
	continuous := set.Bool("continuous", false, "keep syncing at the configured interval")
	seed := set.String("seed", "", "replace the local state with this snapshot file first")
	set.Parse(args)

	cfg, err := nf.load()
	if err != nil {
		return err
	}
	if *serverAddr != "" {
		cfg.Sync.Server = *serverAddr
	}
	if cfg.Sync.Server == "" {
		return fmt.Errorf("no aggregator address: set sync.server or -server")
	}
	interval := *every
	if *continuous && interval == 0 {
		interval = cfg.Sync.Interval
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := nf.openWith(cfg)
	if err != nil {
		return err
	}
	defer closeNode(n, &err)

	if *seed != "" {
		packed, err := snapshot.ReadFile(*seed)
		if err != nil {
			return fmt.Errorf("read seed: %w", err)
		}
		if err := n.Unpack(packed); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		fmt.Printf("seeded %q at revision %d\n", n.Name(), n.Storage().Revision())
	}

	c := client.New(&client.Config{
		Addr:           cfg.Sync.Server,
		TLS:            *useTLS,
		TLSSkipVerify:  *skipVerify,
		ConnectTimeout: defaults.DefaultConnectTimeout,
		RequestTimeout: cfg.Sync.Timeout,
		MaxMessageSize: defaults.DefaultMaxMessageSize,
	})
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}

	opts := client.DefaultSyncOptions()
	opts.MaxAttempts = cfg.Sync.MaxAttempts
	opts.Timeout = cfg.Sync.Timeout

	if interval == 0 {
		res, err := n.Sync(ctx, c, opts)
		if err != nil {
			return err
		}
		printSync(n.Name(), res)
		return nil
	}

	fmt.Printf("syncing %q with %s every %s\n", n.Name(), cfg.Sync.Server, interval)
	err = c.SyncEvery(ctx, n, interval, opts, func(res *client.SyncResult, err error) {
		if err != nil {
			n.Health().RecordFailure(err)
			fmt.Fprintf(os.Stderr, "round failed: %v\n", err)
			return
		}
		n.Health().RecordSuccess(res.Round)
		printSync(n.Name(), res)
		if _, err := n.Snapshot(); err != nil {
			fmt.Fprintf(os.Stderr, "snapshot: %v\n", err)
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func printSync(name string, res *client.SyncResult) {
	fmt.Printf("%s  %q round %d: %d participant(s), sent %d point(s) and %d event(s), applied span %d in %s (%d attempt(s))\n",
		time.Now().Format(time.TimeOnly), name, res.Round, res.Participants,
		res.Points, res.Events, res.Span, res.Duration.Round(time.Millisecond), res.Attempts)
}
