package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xtxerr/coreset/internal/storage/ingestion"
	"github.com/xtxerr/coreset/internal/storage/types"
)

func runIngest(args []string) (err error) {
	set := flag.NewFlagSet("ingest", flag.ExitOnError)
	nf := addNodeFlags(set)
	file := set.String("file", "-", "CSV file to read, - for stdin")
	weighted := set.Bool("weighted", false, "the last column is the point weight")
	header := set.Bool("header", false, "skip the first row")
	delim := set.String("delim", ",", "field delimiter")
	batch := set.Int("batch", 1000, "points per batch")
	set.Parse(args)

	comma, size := utf8.DecodeRuneInString(*delim)
	if size == 0 || size != len(*delim) {
		return fmt.Errorf("delimiter must be a single character, got %q", *delim)
	}

	var in io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	n, err := nf.open()
	if err != nil {
		return err
	}
	defer closeNode(n, &err)

	svc, err := ingestion.New(n, n.Config().Ingest)
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}

	ctx := context.Background()
	pr := newPointReader(in, comma, *weighted, *header)
	for {
		points, rerr := pr.next(*batch)
		if len(points) > 0 {
			if _, err := svc.Ingest(ctx, points); err != nil {
				svc.Stop()
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			svc.Stop()
			return rerr
		}
	}
	if err := svc.Stop(); err != nil {
		return err
	}

	is := svc.Stats()
	st := n.Storage().Stats()
	fmt.Printf("added %d of %d points to %q: revision %d, %d buckets, total weight %.4g\n",
		is.PointsIngested, is.PointsReceived, st.Name, st.Revision, st.Buckets, st.TotalWeight)
	if is.PointsRejected > 0 || is.PointsDropped > 0 {
		fmt.Printf("%d point(s) rejected, %d dropped under backpressure\n", is.PointsRejected, is.PointsDropped)
	}
	return nil
}

// pointReader parses CSV rows of floats into points.
type pointReader struct {
	r          *csv.Reader
	weighted   bool
	skipHeader bool
	line       int
}

func newPointReader(r io.Reader, comma rune, weighted, header bool) *pointReader {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	return &pointReader{r: cr, weighted: weighted, skipHeader: header}
}

// next returns up to max points. It returns io.EOF together with the last
// points once the input is exhausted.
func (pr *pointReader) next(max int) ([]types.WeightedPoint, error) {
	var out []types.WeightedPoint
	for len(out) < max {
		rec, err := pr.r.Read()
		if err != nil {
			return out, err
		}
		pr.line++
		if pr.skipHeader && pr.line == 1 {
			continue
		}

		p, err := pr.parse(rec)
		if err != nil {
			return out, fmt.Errorf("line %d: %w", pr.line, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (pr *pointReader) parse(rec []string) (types.WeightedPoint, error) {
	fields := rec
	weight := 1.0
	if pr.weighted {
		if len(rec) < 2 {
			return types.WeightedPoint{}, fmt.Errorf("need a coordinate and a weight, got %d fields", len(rec))
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(rec[len(rec)-1]), 64)
		if err != nil {
			return types.WeightedPoint{}, fmt.Errorf("weight: %w", err)
		}
		weight = w
		fields = rec[:len(rec)-1]
	}

	data := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return types.WeightedPoint{}, fmt.Errorf("column %d: %w", i+1, err)
		}
		data[i] = v
	}
	return types.NewWeightedPoint(data, weight), nil
}
