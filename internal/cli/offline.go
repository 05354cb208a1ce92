package cli

// ============================================================================
// 離線命令
// 職責：不需要執行中的節點的 metadata 與 WAL 工具
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/escrow-ledger/internal/metadata"
	"github.com/ChuLiYu/escrow-ledger/internal/storage/wal"
)

// ============================================================================
// metadata
// ============================================================================

func buildMetadataCommand(opts *rootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Build, store and hash metadata documents",
		Long: `Documents are stored under the node's metadata directory and addressed
by their content reference (CIDv0, "Qm..."). Pass the printed reference to
"gig create --metadata" or "gig submit --ref".`,
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "metadata directory (default: metadata.dir from config)")

	openStore := func(cmd *cobra.Command) (*metadata.LocalStore, error) {
		if dir == "" {
			cfg, err := loadConfigOrDefault(opts.configFile, cmd.Flags().Changed("config"))
			if err != nil {
				return nil, errors.Wrap(err, "failed to load config")
			}
			dir = cfg.Metadata.Dir
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create metadata directory")
		}
		return metadata.NewLocalStore(dir)
	}

	put := func(cmd *cobra.Command, doc any) error {
		data, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrap(err, "encode document")
		}
		if err := metadata.Validate(data); err != nil {
			return err
		}
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		ref, err := store.Put(cmd.Context(), data)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), ref)
		return err
	}

	cmd.AddCommand(buildMetadataJobCommand(opts, put))
	cmd.AddCommand(buildMetadataSubmissionCommand(opts, put))
	cmd.AddCommand(buildMetadataRefCommand())
	return cmd
}

type putFunc func(cmd *cobra.Command, doc any) error

func buildMetadataJobCommand(opts *rootOptions, put putFunc) *cobra.Command {
	var title, desc, budget, deadline string
	var skills []string

	cmd := &cobra.Command{
		Use:   "job",
		Short: "Store a job description and print its reference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if budget != "" {
				if _, err := parseETH("budget", budget); err != nil {
					return err
				}
			}
			doc := metadata.NewJobDocument(title, desc, skills, budget, deadline, opts.account, time.Now())
			return put(cmd, doc)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().StringVar(&desc, "desc", "", "job description")
	cmd.Flags().StringSliceVar(&skills, "skills", nil, "required skills (comma separated)")
	cmd.Flags().StringVar(&budget, "budget", "", "budget in ETH")
	cmd.Flags().StringVar(&deadline, "deadline", "", "human readable deadline")
	cmd.MarkFlagRequired("title")
	cmd.MarkFlagRequired("desc")
	return cmd
}

func buildMetadataSubmissionCommand(opts *rootOptions, put putFunc) *cobra.Command {
	var desc, notes string
	var links []string

	cmd := &cobra.Command{
		Use:   "submission <job-id>",
		Short: "Store a work submission and print its reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			doc := metadata.NewSubmissionDocument(uint64(id), desc, links, opts.account, notes, time.Now())
			return put(cmd, doc)
		},
	}
	cmd.Flags().StringVar(&desc, "desc", "", "what was delivered")
	cmd.Flags().StringSliceVar(&links, "link", nil, "deliverable links (repeatable)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the client")
	cmd.MarkFlagRequired("desc")
	return cmd
}

func buildMetadataRefCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ref <file>",
		Short: "Print the content reference of a JSON document without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "failed to read document")
			}
			canonical, err := metadata.Canonicalize(data)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), metadata.ComputeRef(canonical))
			return err
		},
	}
}

// ============================================================================
// wal
// ============================================================================

func buildWALCommand(opts *rootOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the write-ahead log",
		Long:  "Offline WAL tools. Run them against a stopped node or a copy of its WAL file.",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "WAL file (default: wal.path from config)")

	resolve := func(cmd *cobra.Command) (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := loadConfigOrDefault(opts.configFile, cmd.Flags().Changed("config"))
		if err != nil {
			return "", errors.Wrap(err, "failed to load config")
		}
		return cfg.WAL.Path, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show event counts and sequence range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve(cmd)
			if err != nil {
				return err
			}
			stats, err := wal.GetWALStats(p)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "WAL:        %s\n", p)
			fmt.Fprintf(w, "Events:     %d\n", stats.TotalEvents)
			fmt.Fprintf(w, "Seq range:  %d - %d\n", stats.FirstSeq, stats.LastSeq)
			if stats.TotalEvents > 0 {
				fmt.Fprintf(w, "Time range: %s - %s\n",
					time.UnixMilli(stats.TimeRange[0]).UTC().Format(time.RFC3339),
					time.UnixMilli(stats.TimeRange[1]).UTC().Format(time.RFC3339))
			}
			if stats.TornTail {
				fmt.Fprintln(w, "Torn tail:  yes (truncated on next start)")
			}

			kinds := make([]string, 0, len(stats.EventTypes))
			for k := range stats.EventTypes {
				kinds = append(kinds, string(k))
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				fmt.Fprintf(w, "  %-24s %d\n", k, stats.EventTypes[wal.EventType(k)])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print every WAL record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve(cmd)
			if err != nil {
				return err
			}
			return wal.DumpWAL(p, cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Verify checksums, sequence order and tail integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve(cmd)
			if err != nil {
				return err
			}
			if err := wal.ValidateWAL(p); err != nil {
				return errors.Wrapf(err, "%s is not valid", p)
			}
			n, err := wal.CountEvents(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s OK (%d events)\n", p, n)
			return nil
		},
	})

	return cmd
}
