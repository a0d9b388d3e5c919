package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"coredb/pkg/rpc"
	"coredb/pkg/session"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const defaultAddr = "http://localhost:8080"

type clientFlags struct {
	addr    string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", defaultAddr, "base URL of any member")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "per-request timeout")
}

func (f *clientFlags) client() *rpc.Client {
	return rpc.NewClient(f.addr, f.timeout)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the consensus status of a member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := flags.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	flags.register(cmd)
	return cmd
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create or inspect client sessions",
	}

	var createFlags clientFlags
	create := &cobra.Command{
		Use:  "create",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := createFlags.client().CreateSession(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), s)
			return err
		},
	}
	createFlags.register(create)

	var getFlags clientFlags
	get := &cobra.Command{
		Use:   "get <session>",
		Short: "Show the last operation applied for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := session.ParseSession(args[0])
			if err != nil {
				return err
			}
			rec, ok, err := getFlags.client().Session(cmd.Context(), s)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %s: nothing applied", s)
			}
			return printJSON(cmd.OutOrStdout(), rpc.SessionResponse{
				Session:     s.String(),
				LastApplied: rec.Seq,
				TxID:        uint64(rec.TxID),
			})
		},
	}
	getFlags.register(get)

	cmd.AddCommand(create, get)
	return cmd
}

func proposeCmd() *cobra.Command {
	var (
		flags clientFlags
		sess  string
		seq   uint64
		prev  uint64
	)
	cmd := &cobra.Command{
		Use:   "propose <payload>",
		Short: "Propose one transaction",
		Long: "Propose one transaction. Without --session a new session is created and the\n" +
			"transaction is its first operation. Re-running with the same session and seq\n" +
			"is safe: the cluster applies an operation at most once.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := flags.client()
			ctx := cmd.Context()

			var (
				s   session.GlobalSession
				err error
			)
			if sess == "" {
				if s, err = c.CreateSession(ctx); err != nil {
					return err
				}
				seq, prev = 1, 0
			} else if s, err = session.ParseSession(sess); err != nil {
				return err
			}
			if seq == 0 {
				return errors.New("--seq must be at least 1")
			}
			if !cmd.Flags().Changed("prev") {
				prev = seq - 1
			}

			out, err := c.Propose(ctx, s, session.LocalOperationID{Seq: seq, Prev: prev}, []byte(args[0]))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "session %s op %d\n", s, seq)
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&sess, "session", "", "session to propose in, as printed by 'session create'")
	cmd.Flags().Uint64Var(&seq, "seq", 1, "operation sequence number within the session")
	cmd.Flags().Uint64Var(&prev, "prev", 0, "sequence number of the previous operation (default seq-1)")
	return cmd
}

type benchResult struct {
	Sessions   int           `json:"sessions"`
	Writes     int           `json:"writes"`
	Failed     int           `json:"failed"`
	Retried    int           `json:"retried"`
	Duration   time.Duration `json:"duration"`
	OpsPerSec  float64       `json:"ops_per_sec"`
	P50Latency time.Duration `json:"p50_latency"`
	P99Latency time.Duration `json:"p99_latency"`
	MaxLatency time.Duration `json:"max_latency"`
}

// benchCmd drives concurrent sessions, each writing its operations in order.
func benchCmd() *cobra.Command {
	var (
		flags    clientFlags
		sessions int
		writes   int
		size     int
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure proposal throughput and latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := flags.client()
			payload := make([]byte, size)

			var (
				mu        sync.Mutex
				latencies []time.Duration
				res       = benchResult{Sessions: sessions}
			)
			g, ctx := errgroup.WithContext(cmd.Context())
			start := time.Now()
			for i := 0; i < sessions; i++ {
				g.Go(func() error {
					s, err := c.CreateSession(ctx)
					if err != nil {
						return err
					}
					w := rpc.NewWriter(c, session.ResumeClient(s, 0))
					for j := 0; j < writes; j++ {
						t0 := time.Now()
						_, err := w.Write(ctx, payload)
						d := time.Since(t0)

						mu.Lock()
						res.Writes++
						if err != nil {
							res.Failed++
						} else {
							latencies = append(latencies, d)
						}
						mu.Unlock()

						if err != nil && !rpc.Retryable(err) {
							return err
						}
						if err != nil {
							// Keep the session consistent before moving on.
							mu.Lock()
							res.Retried++
							mu.Unlock()
							if _, err := w.Resubmit(ctx, payload); err != nil {
								return err
							}
						}
					}
					return nil
				})
			}
			err := g.Wait()
			res.Duration = time.Since(start)

			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			if n := len(latencies); n > 0 {
				res.P50Latency = latencies[n/2]
				res.P99Latency = latencies[n*99/100]
				res.MaxLatency = latencies[n-1]
				res.OpsPerSec = float64(n) / res.Duration.Seconds()
			}
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&sessions, "sessions", 8, "concurrent sessions")
	cmd.Flags().IntVar(&writes, "writes", 100, "writes per session")
	cmd.Flags().IntVar(&size, "size", 128, "payload size in bytes")
	return cmd
}
