package cli

// ============================================================================
// gig 子命令
// 職責：工作生命週期的 gRPC 用戶端操作，金額以 ETH 小數輸入
// ============================================================================

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/escrow-ledger/internal/controller"
	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/internal/server"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

func buildGigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gig",
		Short: "Create and settle escrowed jobs",
	}

	cmd.AddCommand(buildGigCreateCommand(opts))
	cmd.AddCommand(jobActionCommand(opts, "accept <id>", "Accept an open job as developer", (*server.Client).AcceptJob))
	cmd.AddCommand(buildGigSubmitCommand(opts))
	cmd.AddCommand(jobActionCommand(opts, "release <id>", "Release the full payment to the developer", (*server.Client).ReleaseFullPayment))
	cmd.AddCommand(buildGigReleasePartialCommand(opts))
	cmd.AddCommand(jobActionCommand(opts, "cancel <id>", "Cancel an open job and refund the client", (*server.Client).CancelJob))
	cmd.AddCommand(buildGigGetCommand(opts))
	cmd.AddCommand(buildGigDeadlineCommand(opts))
	cmd.AddCommand(buildGigListCommand(opts))
	return cmd
}

func buildGigCreateCommand(opts *rootOptions) *cobra.Command {
	var ref, amountStr, valueStr string
	var days int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job, locking amount plus the security hold",
		Long: `Create a job funded from the caller's balance.

The value sent defaults to the exact total required (amount + 5%).
Anything above the total required is refunded immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseETH("amount", amountStr)
			if err != nil {
				return err
			}
			var value money.Amount
			if valueStr != "" {
				if value, err = parseETH("value", valueStr); err != nil {
					return err
				}
			} else if value, err = money.ComputeTotalRequired(amount); err != nil {
				return err
			}

			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				r, err := c.CreateGig(ctx, ref, amount, days, value)
				if err != nil {
					return err
				}
				return printReceipt(cmd.OutOrStdout(), r)
			})
		},
	}

	cmd.Flags().StringVarP(&ref, "metadata", "m", "", "metadata reference of the job description")
	cmd.Flags().StringVarP(&amountStr, "amount", "a", "", "job amount in ETH")
	cmd.Flags().IntVarP(&days, "days", "d", 7, "deadline in days (1-365)")
	cmd.Flags().StringVar(&valueStr, "value", "", "value sent in ETH (default: total required)")
	cmd.MarkFlagRequired("metadata")
	cmd.MarkFlagRequired("amount")
	return cmd
}

type jobAction func(c *server.Client, ctx context.Context, id types.JobID) (controller.Receipt, error)

// jobActionCommand 只需要工作 ID 的寫入命令
func jobActionCommand(opts *rootOptions, use, short string, action jobAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				r, err := action(c, ctx, id)
				if err != nil {
					return err
				}
				return printReceipt(cmd.OutOrStdout(), r)
			})
		},
	}
}

func buildGigSubmitCommand(opts *rootOptions) *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit work for an accepted job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				r, err := c.SubmitWork(ctx, id, ref)
				if err != nil {
					return err
				}
				return printReceipt(cmd.OutOrStdout(), r)
			})
		},
	}
	cmd.Flags().StringVarP(&ref, "ref", "r", "", "metadata reference of the submission")
	cmd.MarkFlagRequired("ref")
	return cmd
}

func buildGigReleasePartialCommand(opts *rootOptions) *cobra.Command {
	var payoutStr string
	cmd := &cobra.Command{
		Use:   "release-partial <id>",
		Short: "Pay part of the amount and refund the rest to the client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			payout, err := parseETH("payout", payoutStr)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				r, err := c.ReleasePartialPayment(ctx, id, payout)
				if err != nil {
					return err
				}
				return printReceipt(cmd.OutOrStdout(), r)
			})
		},
	}
	cmd.Flags().StringVarP(&payoutStr, "payout", "p", "", "payout to the developer in ETH")
	cmd.MarkFlagRequired("payout")
	return cmd
}

func buildGigGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				job, err := c.GetJob(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func buildGigDeadlineCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deadline <id>",
		Short: "Report whether a job's deadline has passed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				passed, err := c.IsDeadlinePassed(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d deadline passed: %t\n", id, passed)
				return nil
			})
		},
	}
}

func buildGigListCommand(opts *rootOptions) *cobra.Command {
	var client, developer, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				if _, err := types.ParseStatus(status); err != nil {
					return errors.Wrap(err, "invalid --status")
				}
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				jobs, err := c.ListJobs(ctx, types.Account(client), types.Account(developer), status, limit)
				if err != nil {
					return err
				}
				return printJobTable(cmd.OutOrStdout(), jobs)
			})
		},
	}

	cmd.Flags().StringVar(&client, "client", "", "only jobs created by this account")
	cmd.Flags().StringVar(&developer, "developer", "", "only jobs accepted by this account")
	cmd.Flags().StringVar(&status, "status", "", "open, in_progress, submitted, completed or cancelled")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs (0 = server default)")
	return cmd
}

func printReceipt(w io.Writer, r controller.Receipt) error {
	fmt.Fprintf(w, "job %d: %s (event %s #%d)\n", r.Job.ID, r.Job.Status, r.Event.Type, r.Event.Seq)
	for _, t := range r.Transfers {
		fmt.Fprintf(w, "  %-6s %s ETH %s -> %s\n", t.Kind, money.FormatEther(t.Amount), t.From, t.To)
	}
	return nil
}

func printJobTable(w io.Writer, jobs []types.Job) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, "no jobs")
		return err
	}
	fmt.Fprintf(w, "%-6s %-12s %-12s %-12s %s\n", "ID", "STATUS", "CLIENT", "DEVELOPER", "AMOUNT (ETH)")
	fmt.Fprintln(w, strings.Repeat("─", 60))
	for _, j := range jobs {
		dev := string(j.Developer)
		if dev == "" {
			dev = "-"
		}
		fmt.Fprintf(w, "%-6d %-12s %-12s %-12s %s\n", j.ID, j.Status, j.Client, dev, money.FormatEther(j.Amount))
	}
	return nil
}
