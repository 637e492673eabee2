package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

type benchOptions struct {
	target      string
	concurrency int
	duration    time.Duration
	table       string
	key         string
	keys        int
}

type benchResult struct {
	ops, errors int64
	elapsed     time.Duration
}

func newBenchCmd() *cobra.Command {
	var o benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive a mixed insert and select load against a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bench: %d workers, %v, target %s\n", o.concurrency, o.duration, o.target)
			r := bench(cmd.Context(), o, out)
			fmt.Fprintf(out, "ops: %d\nerrors: %d\nduration: %v\nrps: %.2f\n",
				r.ops, r.errors, r.elapsed, float64(r.ops)/r.elapsed.Seconds())
			return nil
		},
	}
	cmd.Flags().StringVar(&o.target, "url", "http://localhost:8080/execute", "execute endpoint")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 10, "number of concurrent workers")
	cmd.Flags().DurationVar(&o.duration, "duration", 10*time.Second, "test duration")
	cmd.Flags().StringVar(&o.table, "table", "users", "table to write")
	cmd.Flags().StringVar(&o.key, "key", "id", "key field of the table")
	cmd.Flags().IntVar(&o.keys, "keys", 10000, "size of the key space")
	return cmd
}

// bench runs half inserts and half point selects until the duration
// elapses. The first few failures are reported to log.
func bench(ctx context.Context, o benchOptions, log io.Writer) benchResult {
	ctx, cancel := context.WithTimeout(ctx, o.duration)
	defer cancel()

	var ops, errs atomic.Int64
	client := &http.Client{Timeout: 5 * time.Second}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < o.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				key := fmt.Sprintf("user%d", rand.Intn(o.keys))

				var stmt string
				if rand.Float32() < 0.5 {
					stmt = fmt.Sprintf("INSERT INTO %s (%s, value) VALUES ('%s', 'val%d')", o.table, o.key, key, rand.Intn(1000))
				} else {
					stmt = fmt.Sprintf("SELECT * FROM %s WHERE %s = '%s'", o.table, o.key, key)
				}

				resp, err := client.Get(o.target + "?sql=" + url.QueryEscape(stmt))
				if err == nil {
					io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
					if resp.StatusCode < 400 {
						ops.Add(1)
						continue
					}
					err = fmt.Errorf("status %s", resp.Status)
				}
				if ctx.Err() != nil {
					return
				}
				if errs.Add(1) <= 5 {
					fmt.Fprintf(log, "error: %v\n", err)
				}
			}
		}()
	}

	wg.Wait()
	return benchResult{ops: ops.Load(), errors: errs.Load(), elapsed: time.Since(start)}
}
