package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aretw0/strata"
	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/query"
)

func main() {
	count := flag.Int("count", 1000, "Number of documents to write")
	batch := flag.Int("batch", 100, "Documents per bulk write")
	adapters := flag.String("adapters", "memory,fs,leveldb", "Comma separated adapters to measure")
	keep := flag.Bool("keep", false, "Keep the benchmark directory after running")
	flag.Parse()

	benchDir, err := os.MkdirTemp("", "strata_bench_")
	if err != nil {
		panic(err)
	}
	defer func() {
		if !*keep {
			os.RemoveAll(benchDir)
		} else {
			fmt.Printf("Keeping bench dir: %s\n", benchDir)
		}
	}()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	for _, name := range strings.Split(*adapters, ",") {
		if err := bench(name, benchDir, *count, *batch, logger); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			os.Exit(1)
		}
	}
}

func bench(adapter, dir string, count, batch int, logger *slog.Logger) error {
	ctx := context.Background()
	params := strata.Params{DatabaseName: "bench", CollectionName: adapter, PrimaryKey: "id"}
	opts := []strata.Option{strata.WithAdapter(adapter), strata.WithLogger(logger)}

	fmt.Printf("== %s ==\n", adapter)
	st, err := strata.New(dir, opts...)
	if err != nil {
		return err
	}
	inst, err := st.CreateStorageInstance(ctx, params)
	if err != nil {
		return err
	}

	start := time.Now()
	for i := 0; i < count; i += batch {
		rows := make([]core.WriteRow, 0, batch)
		for j := i; j < i+batch && j < count; j++ {
			rows = append(rows, core.WriteRow{Document: core.Document{Data: map[string]any{
				"id":    fmt.Sprintf("doc_%06d", j),
				"title": fmt.Sprintf("Document %d", j),
				"score": j % 100,
				"tags":  []any{"benchmark", "test"},
			}}})
		}
		res, err := inst.BulkWrite(ctx, rows)
		if err != nil {
			return err
		}
		if len(res.Error) > 0 {
			return fmt.Errorf("%d rejected writes", len(res.Error))
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("Write: %v (%.0f docs/s)\n", elapsed, float64(count)/elapsed.Seconds())

	p := query.MustPrepare(query.Query{
		Selector: map[string]any{"score": map[string]any{"$gte": 50}},
		Sort:     []query.SortField{{Field: "score", Desc: true}},
		Limit:    10,
	})

	// Run 1 reuses the writing handle; run 2 starts from a fresh Storage so
	// persistent adapters read from disk.
	for run, target := range []*strata.Instance{inst, nil} {
		if target == nil {
			if err := inst.Close(); err != nil {
				return err
			}
			if adapter == "memory" {
				break
			}
			st, err = strata.New(dir, opts...)
			if err != nil {
				return err
			}
			if target, err = st.CreateStorageInstance(ctx, params); err != nil {
				return err
			}
			defer target.Close()
		}
		start = time.Now()
		docs, err := target.Query(ctx, p)
		if err != nil {
			return err
		}
		fmt.Printf("Query (run %d): %v (results: %d)\n", run+1, time.Since(start), len(docs))
	}
	return nil
}
