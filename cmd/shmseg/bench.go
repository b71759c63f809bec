package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"

	"github.com/srediag/shmseg/pkg/shm"
)

type benchFlags struct {
	size      int
	payload   int
	ops       int
	workers   int
	unsynced  bool
	opTimeout time.Duration
}

type benchSample struct {
	latency time.Duration
	err     error
}

// benchResult summarizes the latencies of one write plus read round trip.
type benchResult struct {
	Ops     int           `json:"ops"`
	Errors  int           `json:"errors"`
	Workers int           `json:"workers"`
	Elapsed time.Duration `json:"elapsed_ns"`
	Min     time.Duration `json:"min_ns"`
	Avg     time.Duration `json:"avg_ns"`
	P50     time.Duration `json:"p50_ns"`
	P99     time.Duration `json:"p99_ns"`
	Max     time.Duration `json:"max_ns"`
}

func init() {
	rootCmd.AddCommand(newBenchCmd())
}

func newBenchCmd() *cobra.Command {
	var f benchFlags
	cmd := &cobra.Command{
		Use:   "bench <name>",
		Short: "Measure write and read latency on a private segment",
		Long: `The bench command creates a segment, runs concurrent write plus read
round trips against it from a worker pool and reports latency percentiles.
The segment is removed afterwards.

Example:
  shmseg bench scratch --ops 10000 --workers 8 --payload 512`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), cmd.OutOrStdout(), args[0], f)
		},
	}
	cmd.Flags().IntVar(&f.size, "size", shm.DefaultSize, "Segment capacity in bytes")
	cmd.Flags().IntVar(&f.payload, "payload", 256, "Payload size per write")
	cmd.Flags().IntVar(&f.ops, "ops", 1000, "Number of round trips")
	cmd.Flags().IntVar(&f.workers, "workers", 4, "Concurrent workers")
	cmd.Flags().BoolVar(&f.unsynced, "no-sync", false, "Benchmark an unsynchronized segment")
	cmd.Flags().DurationVar(&f.opTimeout, "op-timeout", time.Second, "Lock timeout per operation")
	return cmd
}

func runBench(ctx context.Context, out io.Writer, name string, f benchFlags) error {
	if f.ops <= 0 || f.workers <= 0 {
		return fmt.Errorf("ops and workers must be positive")
	}
	if f.payload > f.size {
		return fmt.Errorf("payload of %d bytes exceeds segment size %d", f.payload, f.size)
	}

	opts := segmentOptions(name)
	opts.Mode = shm.ModeCreate
	opts.Size = f.size
	opts.Synchronized = !f.unsynced
	seg, err := shm.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer seg.Close()

	pool, err := ants.NewPool(f.workers)
	if err != nil {
		return err
	}
	defer pool.Release()

	samples := queuepkg.New(int64(f.ops))
	payload := make([]byte, f.payload)
	for i := range payload {
		payload[i] = byte(i)
	}

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < f.ops; i++ {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			opCtx, cancel := context.WithTimeout(ctx, f.opTimeout)
			defer cancel()
			t0 := time.Now()
			err := seg.WriteBytes(opCtx, payload)
			if err == nil {
				_, err = seg.ReadBytes(opCtx)
			}
			_ = samples.Put(benchSample{latency: time.Since(t0), err: err})
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			_ = samples.Put(benchSample{err: err})
		}
	}

	collected := make([]benchSample, 0, f.ops)
	for len(collected) < f.ops {
		items, err := samples.Get(int64(f.ops - len(collected)))
		if err != nil {
			return err
		}
		for _, item := range items {
			collected = append(collected, item.(benchSample))
		}
	}
	wg.Wait()
	samples.Dispose()

	res := summarize(collected, time.Since(start))
	res.Workers = f.workers
	if jsonOut {
		return printJSON(out, res)
	}
	fmt.Fprintf(out, "ops=%d errors=%d workers=%d elapsed=%v\n", res.Ops, res.Errors, res.Workers, res.Elapsed)
	fmt.Fprintf(out, "min=%v avg=%v p50=%v p99=%v max=%v\n", res.Min, res.Avg, res.P50, res.P99, res.Max)
	return nil
}

func summarize(samples []benchSample, elapsed time.Duration) benchResult {
	res := benchResult{Ops: len(samples), Elapsed: elapsed}
	latencies := make([]time.Duration, 0, len(samples))
	var total time.Duration
	for _, s := range samples {
		if s.err != nil {
			res.Errors++
			continue
		}
		latencies = append(latencies, s.latency)
		total += s.latency
	}
	if len(latencies) == 0 {
		return res
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	res.Min = latencies[0]
	res.Max = latencies[len(latencies)-1]
	res.Avg = total / time.Duration(len(latencies))
	res.P50 = percentile(latencies, 50)
	res.P99 = percentile(latencies, 99)
	return res
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
