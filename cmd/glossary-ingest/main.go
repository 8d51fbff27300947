package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/glossary-ingest/internal/handler"
	"github.com/xxxsen/glossary-ingest/internal/ingest"
	"github.com/xxxsen/glossary-ingest/internal/job"
	"github.com/xxxsen/glossary-ingest/internal/middleware"
	"github.com/xxxsen/glossary-ingest/internal/model"
	"github.com/xxxsen/glossary-ingest/internal/pkg/password"
	"github.com/xxxsen/glossary-ingest/internal/schedule"
	"github.com/xxxsen/glossary-ingest/internal/watch"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "glossary-ingest",
		Short:         "incremental, resumable glossary import",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json or config.yaml")

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newServeCmd(&configPath),
		newStatusCmd(&configPath),
		newCancelCmd(&configPath),
		newResumeCmd(&configPath),
		newListCmd(&configPath),
		newInspectCmd(&configPath),
		newBackfillCmd(&configPath),
		newHashPasswordCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("command failed", zap.Error(err))
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		chunkSize  int
		maxRuntime time.Duration
		noResume   bool
	)
	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "ingest one source in the foreground until it completes or pauses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			opts := a.defaults
			if chunkSize > 0 {
				opts.ChunkSize = chunkSize
			}
			if cmd.Flags().Changed("max-runtime") {
				opts.MaxRuntime = maxRuntime
			}
			opts.Resume = !noResume

			// SIGINT pauses the run at the next chunk boundary
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			run, err := a.orch.Run(ctx, args[0], opts)
			if run != nil {
				if perr := printJSON(run); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "rows per chunk (default from config)")
	cmd.Flags().DurationVar(&maxRuntime, "max-runtime", 0, "soft time budget, 0 disables it (default from config)")
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "start over instead of resuming a paused run")
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "serve the HTTP API, scheduled jobs and the drop folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(a)
		},
	}
}

func serve(a *app) error {
	cfg := a.cfg
	logger := logutil.GetLogger(context.Background())
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required for serve")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := schedule.NewCronScheduler()
	backfiller := ingest.NewBackfiller(a.embeddings, a.embedder)
	jobs := []struct {
		job  schedule.Job
		spec string
	}{
		{job.NewResumePausedJob(a.manager, 4), cfg.Schedule.ResumePausedSpec},
		{job.NewIngestCleanupJob(a.runs, time.Duration(cfg.Schedule.CleanupMaxAgeDays)*24*time.Hour), cfg.Schedule.CleanupSpec},
		{job.NewEmbeddingBackfillJob(backfiller, 200), cfg.Schedule.EmbeddingBackfillSpec},
	}
	for _, item := range jobs {
		if err := scheduler.AddJob(item.job, item.spec); err != nil {
			return fmt.Errorf("schedule %s: %w", item.job.Name(), err)
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()
	if cfg.Schedule.ResumePausedSpec != "" {
		// pick up runs interrupted by the previous shutdown
		_ = scheduler.Trigger("resume_paused")
	}

	if cfg.Watch.Dir != "" {
		watcher := watch.New(cfg.Watch.Dir, a.manager, time.Duration(cfg.Watch.SettleSeconds)*time.Second)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("drop folder watcher stopped", zap.Error(err))
			}
		}()
	}

	deps := handler.RouterDeps{
		Auth:        handler.NewAuthHandler(cfg.Admin.Username, cfg.Admin.PasswordHash, []byte(cfg.JWTSecret), time.Duration(cfg.JWTTTLHours)*time.Hour),
		Ingest:      handler.NewIngestHandler(a.manager),
		Terms:       handler.NewTermHandler(a.terms),
		JWTSecret:   []byte(cfg.JWTSecret),
		LoginWindow: time.Duration(cfg.LoginRateLimitSeconds) * time.Second,
	}
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.CORSOrigins),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logger.Info("http server listening", zap.String("addr", addr))
	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("server stopping, pausing active runs")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.manager.Shutdown(shutdownCtx)
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "show a run's state and resume point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			run, err := a.manager.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
}

func newCancelCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "stop a run at its next chunk boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.manager.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "cancel requested")
			return nil
		},
	}
}

func newResumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "resume a paused run in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			runID, err := a.manager.Resume(ctx, args[0])
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				_ = a.manager.Shutdown(context.Background())
			}()
			a.manager.Wait()
			run, err := a.manager.Status(context.Background(), runID)
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
}

func newListCmd(configPath *string) *cobra.Command {
	var (
		limit     int
		resumable bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			list := a.manager.List
			if resumable {
				list = func(ctx context.Context, limit, _ int) ([]*model.IngestRun, error) {
					return a.manager.ListResumable(ctx, limit)
				}
			}
			runs, err := list(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			return printJSON(runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().BoolVar(&resumable, "resumable", false, "only runs the scheduler would resume")
	return cmd
}

func newInspectCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <path>",
		Short: "print a source's content hash and row count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			desc, err := a.orch.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"source_id": desc.SourceID(),
				"path":      desc.Path,
				"hash":      desc.Hash,
				"rows":      desc.Rows,
				"format":    desc.Format,
			})
		},
	}
}

func newBackfillCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "embed-backfill",
		Short: "embed terms that have no embedding from the configured model",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.embedder == nil {
				return fmt.Errorf("embedding.provider is not configured")
			}
			n, err := ingest.NewBackfiller(a.embeddings, a.embedder).Run(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "embedded %d term(s)\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum number of terms")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "print the bcrypt hash for admin.password_hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plain := ""
			if len(args) == 1 {
				plain = args[0]
			} else {
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				plain = strings.TrimRight(line, "\r\n")
			}
			hash, err := password.Hash(plain)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, hash)
			return nil
		},
	}
}
