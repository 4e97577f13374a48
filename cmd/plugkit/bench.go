package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/plugkit/internal/harness"
	"github.com/samcharles93/plugkit/internal/logger"
	"github.com/samcharles93/plugkit/internal/netcfg"
)

type replicaStats struct {
	Replica int
	Runs    int
	Mean    float64
	StdDev  float64
	Min     float64
	Max     float64
}

func benchCmd(cfg Config) *cli.Command {
	var (
		replicas int64
		runs     int64
		warmup   int64
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time a layer graph, running cloned replicas concurrently on separate streams",
		Flags: append(commonNetFlags(),
			&cli.Int64Flag{
				Name:        "replicas",
				Aliases:     []string{"r"},
				Usage:       "number of graph replicas run concurrently",
				Value:       1,
				Destination: &replicas,
			},
			&cli.Int64Flag{
				Name:        "runs",
				Usage:       "number of timed runs per replica",
				Value:       10,
				Destination: &runs,
			},
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "number of untimed runs per replica",
				Value:       1,
				Destination: &warmup,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyBenchConfig(cmd, cfg, &replicas, &runs, &warmup)
			if batch < 1 || replicas < 1 || runs < 1 || warmup < 0 {
				return cli.Exit("error: --batch, --replicas and --runs must be >= 1", 1)
			}

			s, err := openSession(ctx, netPath, backendName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = s.Close() }()

			stats, err := bench(ctx, s, int(batch), int(replicas), int(warmup), int(runs))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: bench: %v", err), 1)
			}
			writeBench(os.Stdout, s.graph.Name, int(batch), stats)
			return nil
		},
	}
}

// bench configures replicas copies of the session graph and times them
// concurrently, one stream each.
func bench(ctx context.Context, s *session, batch, replicas, warmup, runs int) ([]replicaStats, error) {
	log := logger.FromContext(ctx)

	graphs := []*netcfg.Graph{s.graph}
	for range replicas - 1 {
		g, err := s.graph.Clone(s.container)
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	for i, g := range graphs {
		if err := g.Configure(batch); err != nil {
			return nil, fmt.Errorf("replica %d: configure: %w", i, err)
		}
	}

	input := make([]float32, batch*s.graph.Input.Volume())
	for i := range input {
		input[i] = rand.Float32()*2 - 1
	}

	stats := make([]replicaStats, len(graphs))
	g, ctx := errgroup.WithContext(ctx)
	for i, graph := range graphs {
		g.Go(func() error {
			r, err := harness.New(s.stack.Env.Device, graph, batch, log.With("replica", i))
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			defer func() { _ = r.Close() }()

			if _, err := r.Run(ctx, input); err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			if _, err := r.Time(ctx, warmup); err != nil {
				return fmt.Errorf("replica %d: warmup: %w", i, err)
			}
			times, err := r.Time(ctx, runs)
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			stats[i] = summarize(i, times)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

func summarize(replica int, times []time.Duration) replicaStats {
	ms := make([]float64, len(times))
	for i, d := range times {
		ms[i] = float64(d) / float64(time.Millisecond)
	}
	st := replicaStats{Replica: replica, Runs: len(ms)}
	if len(ms) == 0 {
		return st
	}
	st.Mean, st.StdDev = stat.MeanStdDev(ms, nil)
	st.Min, st.Max = floats.Min(ms), floats.Max(ms)
	return st
}

func writeBench(w io.Writer, name string, batch int, stats []replicaStats) {
	_, _ = fmt.Fprintf(w, "net %s, batch %d, %d replicas\n\n", name, batch, len(stats))
	ms := func(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
	var data [][]string
	for _, s := range stats {
		data = append(data, []string{strconv.Itoa(s.Replica), strconv.Itoa(s.Runs), ms(s.Mean), ms(s.StdDev), ms(s.Min), ms(s.Max)})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"REPLICA", "RUNS", "MEAN (MS)", "STDDEV", "MIN", "MAX"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
