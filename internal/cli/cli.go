// ============================================================================
// transq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   transq                         # Root command
//   ├── run                        # Start controller + gRPC + HTTP servers
//   ├── submit                     # Submit a document for translation
//   ├── status <id>                # Show job status
//   ├── list                       # List jobs (--status, --limit)
//   ├── cancel <id>                # Cancel a job
//   ├── retry <id>                 # Re-run a failed or cancelled job as a new job
//   ├── cleanup                    # Delete terminal jobs older than --older-than / --days
//   ├── result <id>                # Write the merged translation (--out, --json)
//   ├── verify-wal [dir]           # Check WAL integrity offline
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --addr                     # gRPC address for client commands
//
// Configuration Management:
//   Uses YAML format config file, see internal/config and configs/default.yaml.
//   Client commands only read grpc.addr from it; --addr overrides.
//
// run Command:
//   1. Load config file and set the default slog logger
//   2. Open the job store (memory / wal / sqlite) and recover
//   3. Start Controller, gRPC server and HTTP server (/v1/jobs, /metrics)
//   4. Listen for SIGINT / SIGTERM
//   5. Gracefully shutdown: servers first, then Controller (final checkpoint)
//
//   Examples:
//     ./transq run
//     ./transq run -c custom-config.yaml
//
// submit Command:
//   ./transq submit --source docs/guide.md --from en --to de --priority high
//   ./transq submit --text "Hello world." --from en --to fr
//   ./transq submit --file jobs.json        # JSON array of job specs
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/transqueue/internal/config"
	"github.com/ChuLiYu/transqueue/internal/extract"
	"github.com/ChuLiYu/transqueue/internal/jobstore/walstore"
	"github.com/ChuLiYu/transqueue/internal/scheduler"
	"github.com/ChuLiYu/transqueue/internal/server"
	"github.com/ChuLiYu/transqueue/internal/storage/wal"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

const defaultConfigPath = "configs/default.yaml"

// options 根命令的持久化旗標
type options struct {
	configFile string
	addr       string
	timeout    time.Duration

	// dialOptions 測試時可以注入 bufconn dialer
	dialOptions []grpc.DialOption
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	return buildCLI(&options{})
}

func buildCLI(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "transq",
		Short: "transq: a crash-recoverable document translation queue",
		Long: `transq splits documents into chunks, translates them under bounded
concurrency with retries, and merges the results. Features:
- Priority and scheduled jobs, per-job concurrency
- WAL + snapshot or SQLite persistence, resume after restart
- gRPC and HTTP APIs, Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "gRPC address of a running server (default: grpc.addr from config)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "timeout for client requests")

	rootCmd.AddCommand(
		buildRunCommand(opts),
		buildSubmitCommand(opts),
		buildStatusCommand(opts),
		buildListCommand(opts),
		buildCancelCommand(opts),
		buildRetryCommand(opts),
		buildCleanupCommand(opts),
		buildResultCommand(opts),
		buildVerifyWALCommand(opts),
	)
	return rootCmd
}

// loadConfig 讀取設定；使用預設路徑且檔案不存在時退回 Default()
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		if o.configFile == defaultConfigPath && errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// client 連線到 gRPC 伺服器
func (o *options) client() (*server.Client, func(), error) {
	addr := o.addr
	if addr == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, nil, err
		}
		addr = cfg.GRPC.Addr
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, o.dialOptions...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return server.NewClient(conn), func() { conn.Close() }, nil
}

func (o *options) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, o.timeout)
}

// withClient 執行一次 client 呼叫
func (o *options) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	c, closeConn, err := o.client()
	if err != nil {
		return err
	}
	defer closeConn()
	ctx, cancel := o.requestContext(cmd.Context())
	defer cancel()
	return fn(ctx, c)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the transq queue system",
		Long:  "Start the controller, the gRPC server and the HTTP API in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context(), nil)
		},
	}
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand(opts *options) *cobra.Command {
	var (
		source, text, from, to string
		name, priority, at     string
		file                   string
		concurrency            int
		meta                   []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a document for translation",
		Long:  "Submit one job from flags, or a batch of job specs from a JSON file (--file).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var specs []types.JobSpec
			if file != "" {
				batch, err := readSpecs(file)
				if err != nil {
					return err
				}
				specs = batch
			} else {
				spec, err := specFromFlags(source, text, from, to, name, priority, at, concurrency, meta)
				if err != nil {
					return err
				}
				specs = []types.JobSpec{spec}
			}

			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				out := cmd.OutOrStdout()
				var failed int
				for i, spec := range specs {
					id, err := c.Submit(ctx, spec)
					if err != nil {
						if len(specs) == 1 {
							return err
						}
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "job %d (%s): %v\n", i, spec.SourceRef, err)
						continue
					}
					fmt.Fprintln(out, id)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d jobs rejected", failed, len(specs))
				}
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&source, "source", "s", "", "source document path (.txt / .md)")
	f.StringVar(&text, "text", "", "inline source text")
	f.StringVar(&from, "from", "", "source language (BCP-47)")
	f.StringVar(&to, "to", "", "target language (BCP-47)")
	f.StringVar(&name, "name", "", "job name")
	f.StringVarP(&priority, "priority", "p", "normal", "low | normal | high | urgent | critical")
	f.StringVar(&at, "at", "", "schedule for later (RFC3339)")
	f.IntVar(&concurrency, "concurrency", 0, "per-job chunk concurrency (0 = server default)")
	f.StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	f.StringVarP(&file, "file", "f", "", "JSON file containing an array of job specs")
	return cmd
}

func specFromFlags(source, text, from, to, name, priority, at string, concurrency int, meta []string) (types.JobSpec, error) {
	spec := types.JobSpec{
		Name:        name,
		Languages:   types.LanguagePair{Source: from, Target: to},
		Concurrency: concurrency,
	}
	switch {
	case source != "" && text != "":
		return spec, errors.New("use either --source or --text, not both")
	case source != "":
		spec.SourceRef = source
	case text != "":
		spec.SourceRef = extract.InlinePrefix + text
	default:
		return spec, errors.New("one of --source, --text or --file is required")
	}

	p, err := types.ParsePriority(priority)
	if err != nil {
		return spec, err
	}
	spec.Priority = p

	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return spec, fmt.Errorf("invalid --at: %w", err)
		}
		spec.ScheduledAt = &t
	}

	for _, kv := range meta {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return spec, fmt.Errorf("invalid --meta %q, want key=value", kv)
		}
		if spec.Metadata == nil {
			spec.Metadata = map[string]string{}
		}
		spec.Metadata[k] = v
	}
	return spec, nil
}

func readSpecs(path string) ([]types.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var specs []types.JobSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(specs) == 0 {
		return nil, errors.New("job file contains no jobs")
	}
	return specs, nil
}

// ============================================================================
// status / list / cancel / retry / cleanup
// ============================================================================

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				view, err := c.GetStatus(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), view)
			})
		},
	}
}

func buildListCommand(opts *options) *cobra.Command {
	var statuses []string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := types.JobFilter{Limit: limit}
			for _, s := range statuses {
				st := types.JobStatus(strings.ToLower(s))
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				jobs, err := c.ListJobs(ctx, filter)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-38s %-10s %-9s %8s  %s\n", "ID", "STATUS", "PRIORITY", "PROGRESS", "NAME")
				for _, j := range jobs {
					fmt.Fprintf(out, "%-38s %-10s %-9s %7.1f%%  %s\n", j.ID, j.Status, j.Priority, j.Progress*100, j.Name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (comma separated)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs")
	return cmd
}

func buildCancelCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				ok, err := c.Cancel(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already finished or cancelled\n", args[0])
				}
				return nil
			})
		},
	}
}

func buildRetryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-run a failed or cancelled job as a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				id, err := c.Retry(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func buildCleanupCommand(opts *options) *cobra.Command {
	var olderThan time.Duration
	var days float64

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished jobs older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			age := olderThan
			if !cmd.Flags().Changed("older-than") {
				d, err := scheduler.ParseAge("", days)
				if err != nil {
					return err
				}
				age = d
			}
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				n, err := c.Cleanup(ctx, age)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold, e.g. 72h")
	cmd.Flags().Float64Var(&days, "days", 0, "age threshold in days (default 30)")
	return cmd
}

// ============================================================================
// result
// ============================================================================

func buildResultCommand(opts *options) *cobra.Command {
	var outPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "result <id>",
		Short: "Write the merged translation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				doc, err := c.GetResult(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if outPath != "" {
					f, err := os.Create(outPath)
					if err != nil {
						return fmt.Errorf("create output file: %w", err)
					}
					defer f.Close()
					out = f
				}

				if asJSON {
					if err := writeJSON(out, server.ResultView{Document: doc, Text: doc.Text()}); err != nil {
						return err
					}
				} else if _, err := io.WriteString(out, doc.Text()+"\n"); err != nil {
					return err
				}
				if doc.Partial {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: partial result, %d failed and %d missing chunks\n",
						len(doc.Failed), len(doc.Missing))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "write the full document as JSON")
	return cmd
}

// ============================================================================
// verify-wal
// ============================================================================

func buildVerifyWALCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-wal [dir]",
		Short: "Check WAL integrity (checksums and sequence order)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.Store.Dir
			}

			path := walstore.WALPath(dir)
			rep, err := wal.ValidateWAL(path)
			if err != nil {
				return fmt.Errorf("wal %s is corrupted: %w", path, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wal:      %s\n", path)
			fmt.Fprintf(out, "events:   %d\n", rep.Events)
			if rep.Events > 0 {
				fmt.Fprintf(out, "seq:      %d..%d\n", rep.FirstSeq, rep.LastSeq)
			}
			if rep.Torn {
				fmt.Fprintln(out, "tail:     torn record (truncated on next open)")
			} else {
				fmt.Fprintln(out, "tail:     ok")
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
