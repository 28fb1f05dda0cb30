package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"

	"github.com/xtxerr/coreset/internal/node"
	"github.com/xtxerr/coreset/internal/storage/query"
	"github.com/xtxerr/coreset/internal/storage/retention"
)

func runStats(args []string) (err error) {
	set := flag.NewFlagSet("stats", flag.ExitOnError)
	nf := addNodeFlags(set)
	set.Parse(args)

	n, err := nf.open()
	if err != nil {
		return err
	}
	defer closeNode(n, &err)

	st := n.Stats()
	fmt.Print(st.Storage.Format())

	r := st.Recovery
	fmt.Printf("Recovery: snapshot=%t replayed=%d skipped=%d rejected=%t torn_tail=%t\n",
		r.FromSnapshot, r.Replayed, r.Skipped, r.Rejected, r.TornTail)
	if st.Journal != nil {
		fmt.Printf("Journal: %d segment(s) created, %d record(s), %d byte(s)\n",
			st.Journal.SegmentsCreated, st.Journal.RecordsWritten, st.Journal.BytesWritten)
	}

	usage, err := retention.New(n.ArchiveDir(), n.Config().Archive).FormatDiskUsage()
	if err != nil {
		return err
	}
	fmt.Print(usage)
	return nil
}

func runSnapshot(args []string) (err error) {
	set := flag.NewFlagSet("snapshot", flag.ExitOnError)
	nf := addNodeFlags(set)
	set.Parse(args)

	n, err := nf.open()
	if err != nil {
		return err
	}
	defer closeNode(n, &err)

	size, err := n.Snapshot()
	if err != nil {
		return err
	}
	fmt.Printf("snapshot of %q at revision %d: %d bytes\n", n.Name(), n.Storage().Revision(), size)
	return nil
}

func runExport(args []string) (err error) {
	set := flag.NewFlagSet("export", flag.ExitOnError)
	nf := addNodeFlags(set)
	set.Parse(args)

	n, err := nf.open()
	if err != nil {
		return err
	}
	defer closeNode(n, &err)

	path, rows, err := n.Export()
	if err != nil {
		return err
	}
	fmt.Printf("exported %d row(s) to %s\n", rows, path)
	return nil
}

func runPrune(args []string) error {
	set := flag.NewFlagSet("prune", flag.ExitOnError)
	nf := addNodeFlags(set)
	dryRun := set.Bool("dry-run", false, "only list what would be removed")
	keep := set.Int("keep", -1, "newest revisions to keep per storage (overrides config)")
	maxAge := set.Duration("max-age", -1, "remove archives older than this (overrides config)")
	set.Parse(args)

	cfg, err := nf.load()
	if err != nil {
		return err
	}
	if *keep >= 0 {
		cfg.Archive.KeepRevisions = *keep
	}
	if *maxAge >= 0 {
		cfg.Archive.MaxAge = *maxAge
	}

	// Pruning only touches the archive directory, so the node stays closed.
	m := retention.New(node.ArchiveDir(cfg.DataDir), cfg.Archive)
	prune := m.RunCleanup
	if *dryRun {
		prune = m.DryRun
	}
	results, err := prune()
	if err != nil {
		return err
	}

	t := newTable("storage", "kept", "removed", "freed")
	for _, r := range results {
		t.append(r.Storage, strconv.Itoa(r.FilesKept), strconv.Itoa(r.FilesDeleted), retention.FormatBytes(r.BytesFreed))
		for _, e := range r.Errors {
			fmt.Printf("error: %v\n", e)
		}
	}
	return t.render()
}

func runQuery(args []string) (err error) {
	set := flag.NewFlagSet("query", flag.ExitOnError)
	nf := addNodeFlags(set)
	all := set.Bool("all", false, "include every exported revision, not only the latest")
	anyStorage := set.Bool("any-storage", false, "include archives of every storage")
	prefix := set.String("prefix", "", "with -any-storage, only storages whose name starts with this")
	timeout := set.Duration("timeout", 0, "query timeout (overrides config)")
	set.Parse(args)

	svc, f, err := openQuery(nf, *all, *anyStorage, *timeout)
	if err != nil {
		return err
	}
	f.Prefix = *prefix
	defer svc.Close()

	ctx := context.Background()

	summaries, err := svc.BucketSummaries(ctx, f)
	if err != nil {
		return err
	}
	t := newTable("storage", "revision", "bucket", "epoch", "compressed", "points", "weight", "min", "max")
	for _, s := range summaries {
		t.append(
			s.Storage,
			strconv.FormatInt(s.Revision, 10),
			strconv.Itoa(int(s.Bucket)),
			strconv.FormatInt(s.Epoch, 10),
			strconv.FormatBool(s.Compressed),
			strconv.FormatInt(s.Points, 10),
			formatFloat(s.TotalWeight),
			formatFloat(s.MinWeight),
			formatFloat(s.MaxWeight),
		)
	}
	if err := t.render(); err != nil {
		return err
	}

	total, err := svc.TotalWeight(ctx, f)
	if err != nil {
		return err
	}
	centroid, err := svc.Centroid(ctx, f)
	if err != nil {
		return err
	}
	coords := make([]string, len(centroid))
	for i, c := range centroid {
		coords[i] = formatFloat(c)
	}
	fmt.Printf("total weight %s, weighted centroid (%s)\n", formatFloat(total), strings.Join(coords, ", "))
	return nil
}

// openQuery opens the query service of the node named by nf without opening
// the node itself, so archives can be read while the node runs elsewhere.
func openQuery(nf *nodeFlags, all, anyStorage bool, timeout time.Duration) (*query.Service, query.Filter, error) {
	cfg, err := nf.load()
	if err != nil {
		return nil, query.Filter{}, err
	}
	if timeout > 0 {
		cfg.Query.Timeout = timeout
	}

	svc, err := query.New(node.ArchiveDir(cfg.DataDir), cfg.Query)
	if err != nil {
		return nil, query.Filter{}, err
	}

	f := query.Filter{Latest: !all}
	if !anyStorage {
		f.Storage = cfg.Name
	}
	return svc, f, nil
}

func runShell(args []string) error {
	set := flag.NewFlagSet("shell", flag.ExitOnError)
	nf := addNodeFlags(set)
	set.Parse(args)

	svc, _, err := openQuery(nf, true, true, 0)
	if err != nil {
		return err
	}
	defer svc.Close()

	fmt.Printf("archives: %s\n", svc.ArchivePattern())
	fmt.Println(`query them with read_parquet('<pattern>'); type "exit" to leave`)

	var history []string
	for {
		line := strings.TrimSpace(prompt.Input("coreset> ", shellCompleter,
			prompt.OptionHistory(history),
			prompt.OptionTitle("coreset shell"),
		))
		switch line {
		case "":
			continue
		case "exit", "quit", `\q`:
			return nil
		}
		history = append(history, line)

		sql := strings.ReplaceAll(line, "$archives", "'"+svc.ArchivePattern()+"'")
		rows, err := svc.ExecuteSQL(context.Background(), sql)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if err := resultTable(rows).render(); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

var shellSuggestions = []prompt.Suggest{
	{Text: "SELECT", Description: "start a query"},
	{Text: "FROM", Description: "name the source"},
	{Text: "read_parquet($archives)", Description: "every exported archive"},
	{Text: "WHERE", Description: "filter rows"},
	{Text: "GROUP BY", Description: "aggregate rows"},
	{Text: "ORDER BY", Description: "sort rows"},
	{Text: "storage", Description: "column: storage name"},
	{Text: "revision", Description: "column: storage revision at export"},
	{Text: "bucket", Description: "column: bucket index"},
	{Text: "epoch", Description: "column: bucket epoch"},
	{Text: "compressed", Description: "column: whether the bucket is a coreset"},
	{Text: "weight", Description: "column: point weight"},
	{Text: "data", Description: "column: point coordinates"},
	{Text: "exit", Description: "leave the shell"},
}

func shellCompleter(d prompt.Document) []prompt.Suggest {
	word := d.GetWordBeforeCursor()
	if word == "" {
		return nil
	}
	return prompt.FilterHasPrefix(shellSuggestions, word, true)
}
