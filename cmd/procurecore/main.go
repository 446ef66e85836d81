// Command procurecore runs the procurement ingestion pipeline: an HTTP
// server for uploads and conflict review, plus batch, conflict, and template
// subcommands for operating the pipeline from the shell.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"procurecore/config"
	"procurecore/internal/api"
	"procurecore/internal/conflict"
	blobcore "procurecore/internal/infra/blob/core"
	blobfs "procurecore/internal/infra/blob/fs"
	blobmemory "procurecore/internal/infra/blob/memory"
	blobs3 "procurecore/internal/infra/blob/s3"
	"procurecore/internal/infra/persistence/memory"
	"procurecore/internal/infra/persistence/postgres"
	"procurecore/internal/infra/persistence/sqlite"
	"procurecore/internal/ingest"
	"procurecore/internal/observability"
	"procurecore/internal/pipeline"
	"procurecore/internal/pipeline/quality"
	"procurecore/pkg/domain"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "procurecore",
		Short:         "Procurement data ingestion and entity resolution pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults apply when omitted)")
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newServeCmd(&configPath),
		newUploadCmd(&configPath),
		newBatchCmd(&configPath),
		newConflictsCmd(&configPath),
		newTemplateCmd(&configPath),
		newConfigCmd(&configPath),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return config.LoadFromFile(path)
}

func pipelineConfigFrom(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Workers:         cfg.Pipeline.Workers,
		RecordTimeout:   cfg.Pipeline.RecordTimeout,
		AutoThreshold:   cfg.Pipeline.AutoThreshold,
		ReviewThreshold: cfg.Pipeline.ReviewThreshold,
		MappingFloor:    cfg.Pipeline.MappingFloor,
		Weights: quality.Weights{
			Completeness: cfg.Quality.Weights.Completeness,
			Consistency:  cfg.Quality.Weights.Consistency,
			Validity:     cfg.Quality.Weights.Validity,
			Timeliness:   cfg.Quality.Weights.Timeliness,
			Uniqueness:   cfg.Quality.Weights.Uniqueness,
			Accuracy:     cfg.Quality.Weights.Accuracy,
		},
		RecencyWindow: cfg.Quality.RecencyWindow,
		OuterBound:    cfg.Quality.OuterBound,
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (domain.Store, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.NewStore(), func() error { return nil }, nil
	case "sqlite":
		store, err := sqlite.NewStore(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, store.Close, nil
	case "postgres":
		store, err := postgres.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func openBlob(ctx context.Context, cfg config.BlobConfig) (blobcore.Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "fs":
		return blobfs.New(cfg.Root)
	case "s3":
		return blobs3.New(ctx, blobs3.Config{
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
	case "memory":
		return blobmemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// buildService wires the full stack for one command invocation. The returned
// cleanup closes the store.
func buildService(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics pipeline.MetricsRecorder) (*ingest.Service, func(), error) {
	store, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	blobs, err := openBlob(ctx, cfg.Blob)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}

	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if metrics != nil {
		opts = append(opts, pipeline.WithMetricsRecorder(metrics))
	}
	orch := pipeline.New(store, pipelineConfigFrom(cfg), opts...)

	serviceOpts := []ingest.Option{ingest.WithLogger(logger)}
	if blobs != nil {
		serviceOpts = append(serviceOpts, ingest.WithBlobStore(blobs))
	}
	service := ingest.NewService(orch, store, serviceOpts...)
	cleanup := func() {
		if err := closeStore(); err != nil {
			logger.Error("close store", "error", err)
		}
	}
	return service, cleanup, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil))
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics := observability.NewPrometheusMetricsRecorder()
			service, cleanup, err := buildService(ctx, cfg, logger, metrics)
			if err != nil {
				return err
			}
			defer cleanup()

			handler := api.NewHandler(service,
				api.WithLogger(logger),
				api.WithMetricsHandler(metrics.Handler()),
			)
			server := &http.Server{Addr: cfg.Server.Addr, Handler: handler}

			errc := make(chan error, 1)
			go func() { errc <- server.ListenAndServe() }()
			logger.Info("listening", "addr", cfg.Server.Addr, "storage", cfg.Storage.Driver, "blob", cfg.Blob.Driver)

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down", "grace", cfg.Server.ShutdownGrace)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func newUploadCmd(configPath *string) *cobra.Command {
	var (
		organization string
		uploadRef    string
		templateName string
		process      bool
	)
	cmd := &cobra.Command{
		Use:   "upload <csv-file>",
		Short: "Stage a CSV upload as a batch, optionally processing it immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			header, rows, err := readCSV(args[0])
			if err != nil {
				return err
			}
			if uploadRef == "" {
				uploadRef = fmt.Sprintf("cli-%d", time.Now().UTC().UnixNano())
			}

			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil))
			service, cleanup, err := buildService(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			batch, err := service.SubmitUpload(cmd.Context(), ingest.Upload{
				OrganizationID: organization,
				UploadRef:      uploadRef,
				TemplateName:   templateName,
				Header:         header,
				Rows:           rows,
			})
			if err != nil {
				return err
			}
			if !process {
				return printJSON(cmd.OutOrStdout(), batch)
			}
			if err := service.Process(cmd.Context(), batch.ID); err != nil {
				return err
			}
			report, err := service.Report(cmd.Context(), batch.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVarP(&organization, "organization", "o", "", "organization the upload belongs to")
	cmd.Flags().StringVar(&uploadRef, "ref", "", "idempotent upload reference (generated when omitted)")
	cmd.Flags().StringVarP(&templateName, "template", "t", "", "saved mapping template to apply")
	cmd.Flags().BoolVar(&process, "process", false, "process the batch after staging and print its report")
	_ = cmd.MarkFlagRequired("organization")
	return cmd
}

func newBatchCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Operate on staged batches",
	}

	runAndReport := func(action func(*ingest.Service, context.Context, string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil))
			service, cleanup, err := buildService(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()
			if action != nil {
				if err := action(service, cmd.Context(), args[0]); err != nil {
					return err
				}
			}
			report, err := service.Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "process <batch-id>",
			Short: "Run a pending batch through the pipeline",
			Args:  cobra.ExactArgs(1),
			RunE: runAndReport(func(s *ingest.Service, ctx context.Context, id string) error {
				return s.Process(ctx, id)
			}),
		},
		&cobra.Command{
			Use:   "retry <batch-id>",
			Short: "Retry a failed batch",
			Args:  cobra.ExactArgs(1),
			RunE: runAndReport(func(s *ingest.Service, ctx context.Context, id string) error {
				return s.Retry(ctx, id)
			}),
		},
		&cobra.Command{
			Use:   "report <batch-id>",
			Short: "Print the quality and status report for a batch",
			Args:  cobra.ExactArgs(1),
			RunE:  runAndReport(nil),
		},
	)
	return cmd
}

func newConflictsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve the match review queue",
	}

	var organization string
	list := &cobra.Command{
		Use:   "list",
		Short: "List open conflicts for an organization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil))
			service, cleanup, err := buildService(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()
			open, err := service.Conflicts().Open(cmd.Context(), organization)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), open)
		},
	}
	list.Flags().StringVarP(&organization, "organization", "o", "", "organization to list conflicts for")
	_ = list.MarkFlagRequired("organization")

	var (
		reference  string
		entryID    string
		createNew  bool
		newName    string
		resolvedBy string
	)
	resolve := &cobra.Command{
		Use:   "resolve <record-id>",
		Short: "Resolve one ambiguous reference of a conflicted record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil))
			service, cleanup, err := buildService(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()
			entry, err := service.Conflicts().Resolve(cmd.Context(), args[0], conflict.Choice{
				Reference: domain.EntryType(reference),
				EntryID:   entryID,
				CreateNew: createNew,
				NewName:   newName,
			}, resolvedBy)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		},
	}
	resolve.Flags().StringVar(&reference, "reference", "", "reference type to settle (supplier or material)")
	resolve.Flags().StringVar(&entryID, "entry-id", "", "catalog entry to match the reference to")
	resolve.Flags().BoolVar(&createNew, "create-new", false, "create a new catalog entry instead of matching")
	resolve.Flags().StringVar(&newName, "new-name", "", "canonical name override for a created entry")
	resolve.Flags().StringVar(&resolvedBy, "resolved-by", "", "reviewer identity recorded on the decision")
	_ = resolve.MarkFlagRequired("reference")
	_ = resolve.MarkFlagRequired("resolved-by")

	cmd.AddCommand(list, resolve)
	return cmd
}

func newTemplateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage saved column mapping templates",
	}

	save := &cobra.Command{
		Use:   "save <template.json>",
		Short: "Save a mapping template from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read template file: %w", err)
			}
			var template domain.MappingTemplate
			if err := json.Unmarshal(data, &template); err != nil {
				return fmt.Errorf("parse template file: %w", err)
			}
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil))
			service, cleanup, err := buildService(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := service.SaveTemplate(cmd.Context(), template); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), template)
		},
	}

	var derivedName string
	fromBatch := &cobra.Command{
		Use:   "from-batch <batch-id>",
		Short: "Derive and save a template from the mapping a batch used",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil))
			service, cleanup, err := buildService(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()
			template, err := service.SaveTemplateFromBatch(cmd.Context(), args[0], derivedName)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), template)
		},
	}
	fromBatch.Flags().StringVar(&derivedName, "name", "", "name to save the derived template under")
	_ = fromBatch.MarkFlagRequired("name")

	var organization string
	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a saved mapping template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil))
			service, cleanup, err := buildService(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()
			template, err := service.Template(cmd.Context(), organization, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), template)
		},
	}
	show.Flags().StringVarP(&organization, "organization", "o", "", "organization the template belongs to")
	_ = show.MarkFlagRequired("organization")

	cmd.AddCommand(save, fromBatch, show)
	return cmd
}

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and scaffold configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init <path>",
			Short: "Write a config file populated with defaults",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg := config.DefaultConfig()
				if err := cfg.SaveToFile(args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "wrote", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(*configPath)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), cfg)
			},
		},
	)
	return cmd
}

// readCSV loads an upload file as a header row plus data rows. Cell typing is
// left to the pipeline; everything stays a string here.
func readCSV(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	all, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("%s is empty", path)
	}
	return all[0], all[1:], nil
}

func printJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
