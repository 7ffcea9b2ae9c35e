package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/your-org/fpmatch/internal/auth"
	"github.com/your-org/fpmatch/internal/backup"
	"github.com/your-org/fpmatch/internal/matcher"
	"github.com/your-org/fpmatch/internal/storage"
)

func newCompareCommand() *cobra.Command {
	var (
		policy string
		useHex bool
	)
	cmd := &cobra.Command{
		Use:         "compare <template-a> <template-b>",
		Short:       "Score two templates (base64, or hex with --hex)",
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			lp, err := matcher.ParseLengthPolicy(policy)
			if err != nil {
				return err
			}
			decode := base64.StdEncoding.DecodeString
			if useHex {
				decode = hex.DecodeString
			}
			a, err := decode(args[0])
			if err != nil {
				return fmt.Errorf("decode template a: %w", err)
			}
			b, err := decode(args[1])
			if err != nil {
				return fmt.Errorf("decode template b: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Similarity: %s\n", matcher.FormatPercent(matcher.Similarity(a, b, lp)))
			return nil
		},
	}
	cmd.Flags().StringVar(&policy, "length-policy", string(matcher.LengthStrict), "strict or prefix")
	cmd.Flags().BoolVar(&useHex, "hex", false, "Templates are hex encoded")
	return cmd
}

func newHexCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "hex <id>",
		Short: "Print a stored template as hex",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			return ctx.withEngine(cmd.Context(), func(engine *matcher.Engine) error {
				encoded, err := engine.Decode(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), encoded)
				return nil
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered fingerprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd.Context(), func(engine *matcher.Engine) error {
				records, err := engine.ListAll(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(records) == 0 {
					fmt.Fprintln(out, "No fingerprints registered")
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, fp := range records {
					rows = append(rows, []string{
						strconv.FormatInt(fp.ID, 10),
						strconv.Itoa(len(fp.Template)),
						fp.CreatedAt.UTC().Format(time.RFC3339),
					})
				}
				fmt.Fprintln(out, renderTable([]string{"ID", "Bytes", "Created"}, rows, 1, 2))
				fmt.Fprintf(out, "%d fingerprint(s)\n", len(records))
				return nil
			})
		},
	}
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations to the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(storage.Backend) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Store ready (%s)\n", ctx.config.Storage.Driver)
				return nil
			})
		},
	}
}

func newExportCommand(ctx *commandContext) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every fingerprint to a CBOR snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(path) == "" {
				return fmt.Errorf("--out is required")
			}
			return ctx.withStore(cmd.Context(), func(store storage.Backend) error {
				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("create snapshot: %w", err)
				}
				n, err := backup.Export(cmd.Context(), store, f)
				if closeErr := f.Close(); err == nil && closeErr != nil {
					err = fmt.Errorf("close snapshot: %w", closeErr)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d fingerprint(s) to %s\n", n, path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&path, "out", "o", "", "Snapshot file to write")
	return cmd
}

func newImportCommand(ctx *commandContext) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a CBOR snapshot into the configured store, keeping ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(path) == "" {
				return fmt.Errorf("--in is required")
			}
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open snapshot: %w", err)
			}
			defer f.Close()
			snap, err := backup.Read(f)
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(store storage.Backend) error {
				res, err := backup.Import(cmd.Context(), store, snap)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d fingerprint(s): %d created, %d replaced\n",
					res.Created+res.Replaced, res.Created, res.Replaced)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&path, "in", "i", "", "Snapshot file to read")
	return cmd
}

func newArchiveCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect the MinIO template archive",
	}
	cmd.AddCommand(newArchiveVerifyCommand(ctx))
	return cmd
}

func newArchiveVerifyCommand(ctx *commandContext) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare stored templates with their archived copies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.MinIO.Endpoint == "" {
				return fmt.Errorf("minio.endpoint is not configured")
			}
			archive, err := storage.NewMinIOStore(cfg.MinIO)
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(store storage.Backend) error {
				var writer backup.ArchiveWriter
				if repair {
					writer = archive
				}
				report, err := backup.VerifyArchive(cmd.Context(), store, archive, writer)
				if err != nil {
					return err
				}
				return printArchiveReport(cmd, report, repair)
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Rewrite missing or differing copies from the store")
	return cmd
}

func printArchiveReport(cmd *cobra.Command, report backup.ArchiveReport, repaired bool) error {
	out := cmd.OutOrStdout()
	if report.OK() {
		fmt.Fprintf(out, "Archive OK: %d fingerprint(s) checked\n", report.Checked)
		return nil
	}
	rows := make([][]string, 0, len(report.Missing)+len(report.Mismatched))
	for _, id := range report.Missing {
		rows = append(rows, []string{strconv.FormatInt(id, 10), "missing"})
	}
	for _, id := range report.Mismatched {
		rows = append(rows, []string{strconv.FormatInt(id, 10), "differs"})
	}
	fmt.Fprintln(out, renderTable([]string{"ID", "Archive"}, rows, 1))
	if repaired {
		fmt.Fprintf(out, "Repaired %d of %d fingerprint(s)\n", report.Repaired, report.Checked)
		return nil
	}
	return fmt.Errorf("%d missing, %d differing archived template(s)", len(report.Missing), len(report.Mismatched))
}

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a scanner device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not configured")
			}
			token, err := auth.IssueToken(subject, cfg.Server.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "scanner", "Token subject, e.g. a device name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
