// coreset is the node CLI: it feeds points into a node's storage, syncs it
// with a mix aggregator, and exports and queries its archives.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/xtxerr/coreset/internal/logging"
	"github.com/xtxerr/coreset/internal/node"
	"github.com/xtxerr/coreset/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

type command struct {
	name  string
	usage string
	run   func(args []string) error
}

var commands = []command{
	{"ingest", "add points from a CSV file or stdin", runIngest},
	{"sync", "exchange diffs with a mix aggregator", runSync},
	{"stats", "print storage, journal and sync statistics", runStats},
	{"snapshot", "save a snapshot and truncate the journal", runSnapshot},
	{"export", "write the retained buckets to a Parquet archive", runExport},
	{"prune", "remove superseded Parquet archives", runPrune},
	{"query", "summarize the Parquet archives", runQuery},
	{"shell", "interactive SQL over the Parquet archives", runShell},
	{"version", "print the version", func([]string) error {
		fmt.Println("coreset", Version)
		return nil
	}},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	name := os.Args[1]
	for _, c := range commands {
		if c.name == name {
			if err := c.run(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "coreset %s: %v\n", name, err)
				os.Exit(1)
			}
			return
		}
	}

	fmt.Fprintf(os.Stderr, "coreset: unknown command %q\n", name)
	usage()
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: coreset <command> [flags]")
	fmt.Fprintln(os.Stderr)
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.usage)
	}
}

// nodeFlags are the flags every node command shares.
type nodeFlags struct {
	config   *string
	name     *string
	dataDir  *string
	logLevel *string
	logJSON  *bool
}

func addNodeFlags(set *flag.FlagSet) *nodeFlags {
	return &nodeFlags{
		config:   set.String("config", "coreset.yaml", "node config file path"),
		name:     set.String("name", "", "storage name (overrides config)"),
		dataDir:  set.String("data-dir", "", "data directory (overrides config)"),
		logLevel: set.String("log-level", "warn", "log level: debug, info, warn, error"),
		logJSON:  set.Bool("log-json", false, "log as JSON"),
	}
}

// load reads the node config, applies overrides and initializes logging.
func (f *nodeFlags) load() (*config.NodeConfig, error) {
	logging.Init(logging.ParseLevel(*f.logLevel), *f.logJSON)

	cfg, err := config.LoadNode(*f.config)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.DefaultNodeConfig()
	}

	if *f.name != "" {
		cfg.Name = *f.name
	}
	if *f.dataDir != "" {
		cfg.DataDir = *f.dataDir
	}
	return cfg, nil
}

// open loads the config and opens the node.
func (f *nodeFlags) open() (*node.Node, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	return f.openWith(cfg)
}

// openWith opens the node described by an already loaded config.
func (f *nodeFlags) openWith(cfg *config.NodeConfig) (*node.Node, error) {
	n, err := node.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open node %q in %s: %w", cfg.Name, cfg.DataDir, err)
	}
	return n, nil
}

// closeNode closes n and folds its error into err.
func closeNode(n *node.Node, err *error) {
	if cerr := n.Close(); cerr != nil && *err == nil {
		*err = fmt.Errorf("close node: %w", cerr)
	}
}
