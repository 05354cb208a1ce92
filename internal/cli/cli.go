// ============================================================================
// Escrowd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running the escrow ledger and talking to it
//
// Command Structure:
//   escrowd                              # Root command
//   ├── run                              # Recover the ledger and serve HTTP/gRPC
//   ├── gig                              # Job lifecycle (gRPC client)
//   │   ├── create --metadata --amount   # Lock amount + 5% security hold
//   │   ├── accept <id>
//   │   ├── submit <id> --ref
//   │   ├── release <id>
//   │   ├── release-partial <id> --payout
//   │   ├── cancel <id>
//   │   ├── get <id>
//   │   ├── deadline <id>
//   │   └── list
//   ├── deposit <eth>                    # Credit the caller's balance
//   ├── balance [account]
//   ├── quote <eth>                      # Security hold and total required
//   ├── status                           # Ledger status
//   ├── events [--since] [--follow]      # Event log / live stream
//   ├── metadata job|submission          # Build and store metadata documents
//   └── wal stats|dump|validate          # Offline WAL inspection
//
// Global Flags:
//   --config, -c   YAML config file (default: configs/default.yaml)
//   --server       gRPC address used by client commands (env ESCROW_SERVER)
//   --as           Caller account for client commands (env ESCROW_ACCOUNT)
//   --timeout      Per-call timeout for client commands
//
// Amounts on the command line are decimal ETH ("1.05"); everything on the
// wire and in the WAL is integer wei.
//
// Signal Handling:
//   run captures SIGINT / SIGTERM and shuts down in order: stop listeners,
//   drain the index, final snapshot, close WAL.
//
// Examples:
//   ./escrowd run -c configs/default.yaml
//   ./escrowd --as alice deposit 2
//   ./escrowd --as alice gig create --metadata QmXyz... --amount 1 --days 7
//   ./escrowd --as bob gig accept 0
//   ./escrowd wal stats
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/escrow-ledger/internal/events"
	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/internal/server"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

var log = slog.Default()

// shutdownTimeout 優雅關閉的最長等待時間
const shutdownTimeout = 10 * time.Second

// rootOptions 全域旗標
type rootOptions struct {
	configFile string
	serverAddr string
	account    string
	timeout    time.Duration
}

func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "escrowd",
		Short: "Escrowd: a crash-recoverable two-party escrow ledger",
		Long: `Escrowd holds job payments between a client and a developer with:
- WAL-based durability and snapshot recovery
- 5% security hold on every job
- HTTP + WebSocket API, gRPC API and a SQLite query index
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.serverAddr, "server", envOr("ESCROW_SERVER", "localhost:50051"), "gRPC server address")
	rootCmd.PersistentFlags().StringVar(&opts.account, "as", os.Getenv("ESCROW_ACCOUNT"), "caller account")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "timeout per client call")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildGigCommand(opts))
	rootCmd.AddCommand(buildDepositCommand(opts))
	rootCmd.AddCommand(buildBalanceCommand(opts))
	rootCmd.AddCommand(buildQuoteCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildEventsCommand(opts))
	rootCmd.AddCommand(buildMetadataCommand(opts))
	rootCmd.AddCommand(buildWALCommand(opts))

	return rootCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the escrow ledger node",
		Long:  "Recover the ledger from snapshot + WAL, then serve the HTTP API, gRPC API, query index and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefault(opts.configFile, cmd.Flags().Changed("config"))
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.JSON)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			log = logger

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg)
		},
	}
	return cmd
}

// runNode 啟動節點並阻塞到 ctx 結束或伺服器異常
func runNode(ctx context.Context, cfg *Config) error {
	log.Info("Starting escrowd",
		"wal", cfg.WAL.Path,
		"snapshot", cfg.Snapshot.Path,
		"snapshot_interval_s", cfg.Snapshot.IntervalSeconds)

	node, err := StartNode(cfg)
	if err != nil {
		return err
	}
	log.Info("System started successfully", "next_job_id", node.Ledger.NextJobID())

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, stopping gracefully...")
	case runErr = <-node.Err():
		log.Error("Stopping after server failure", "error", runErr.Error())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	node.Shutdown(shutdownCtx)

	log.Info("System stopped. Goodbye!")
	return runErr
}

// ============================================================================
// 用戶端共用
// ============================================================================

// withClient 連線到 gRPC 伺服器並以 --as 身份執行 fn
func withClient(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, c *server.Client) error) error {
	client, err := server.Dial(opts.serverAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	return fn(ctx, client.As(types.Account(opts.account)))
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode output")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func parseETH(name, s string) (money.Amount, error) {
	a, err := money.ParseEther(s)
	if err != nil {
		return money.Amount{}, errors.Wrapf(err, "invalid %s %q", name, s)
	}
	return a, nil
}

func parseJobID(s string) (types.JobID, error) {
	return types.ParseJobID(s)
}

// ============================================================================
// 帳戶與報價
// ============================================================================

func buildDepositCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <eth>",
		Short: "Credit the caller's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseETH("amount", args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				res, err := c.Deposit(ctx, amount)
				if err != nil {
					return err
				}
				return printBalance(cmd.OutOrStdout(), res)
			})
		},
	}
}

func buildBalanceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [account]",
		Short: "Show an account balance (default: the caller)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var account types.Account
			if len(args) == 1 {
				account = types.Account(args[0])
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				res, err := c.Balance(ctx, account)
				if err != nil {
					return err
				}
				return printBalance(cmd.OutOrStdout(), res)
			})
		},
	}
}

func printBalance(w io.Writer, res server.BalanceResult) error {
	_, err := fmt.Fprintf(w, "%s: %s ETH (%s wei)\n", res.Account, money.FormatEther(res.Balance), res.Balance)
	return err
}

func buildQuoteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "quote <eth>",
		Short: "Show the security hold and total required for a job amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseETH("amount", args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				q, err := c.Quote(ctx, amount)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Amount:         %s ETH\n", money.FormatEther(q.Amount))
				fmt.Fprintf(w, "Security hold:  %s ETH\n", money.FormatEther(q.Hold))
				fmt.Fprintf(w, "Total required: %s ETH\n", money.FormatEther(q.Total))
				return nil
			})
		},
	}
}

// ============================================================================
// status / events
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ledger status",
		Long:  "Display job counts, escrow balance, WAL position and last recovery statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
				fmt.Fprintln(w, "║              Escrow Ledger Status                         ║")
				fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
				fmt.Fprintf(w, "  Server:   %s\n", opts.serverAddr)
				fmt.Fprintf(w, "  Uptime:   %s\n\n", st.Uptime)

				fmt.Fprintln(w, "📊 Jobs:")
				fmt.Fprintf(w, "  ├─ Open:         %d\n", st.Jobs.Open)
				fmt.Fprintf(w, "  ├─ In progress:  %d\n", st.Jobs.InProgress)
				fmt.Fprintf(w, "  ├─ Submitted:    %d\n", st.Jobs.Submitted)
				fmt.Fprintf(w, "  ├─ Completed:    %d\n", st.Jobs.Completed)
				fmt.Fprintf(w, "  └─ Cancelled:    %d\n\n", st.Jobs.Cancelled)

				fmt.Fprintln(w, "💰 Escrow:")
				fmt.Fprintf(w, "  └─ Held:         %s ETH\n\n", money.FormatEther(st.Held))

				fmt.Fprintln(w, "💾 Storage:")
				fmt.Fprintf(w, "  ├─ WAL seq:      %d\n", st.LastWALSeq)
				fmt.Fprintf(w, "  ├─ Event seq:    %d\n", st.LastEventSeq)
				fmt.Fprintf(w, "  └─ Recovery:     %s, %d replayed, %d aborted\n",
					st.Recovery.Duration, st.Recovery.Replayed, st.Recovery.Aborted)
				fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
				return nil
			})
		},
	}
	return cmd
}

func buildEventsCommand(opts *rootOptions) *cobra.Command {
	var since uint64
	var follow bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print ledger events after a sequence number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if !follow {
				return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
					evs, err := c.Events(ctx, since)
					if err != nil {
						return err
					}
					return printJSON(w, evs)
				})
			}

			client, err := server.Dial(opts.serverAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			enc := json.NewEncoder(w)
			err = client.Watch(ctx, since, func(ev events.Event) error { return enc.Encode(ev) })
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().Uint64Var(&since, "since", 0, "only events with seq greater than this")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new events until interrupted")
	return cmd
}
