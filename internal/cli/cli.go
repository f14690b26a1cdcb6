// ============================================================================
// Talent-Match CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the matching engine
//
// Command Structure:
//   talent-match                     # Root command
//   ├── run                          # Start pipeline, ops HTTP and gRPC health
//   ├── score [application-id...]    # Score applications synchronously
//   │   └── --batch, -n              # Oldest unscored when no ids are given
//   ├── recommend <job-id>           # Similar jobs from the tiered index
//   │   └── --top, -k                # Number of results
//   ├── match --cv <file>            # Rank approved jobs for a CV
//   ├── build-index                  # Rebuild recommendation artifacts
//   ├── status                       # Task, score and index status
//   └── --config, -c                 # Config file (default: configs/default.yaml)
//
// run Command:
//   1. Load config, connect stores and queue
//   2. Start the scoring pipeline (recovers from snapshot)
//   3. Serve /healthz, /readyz, /metrics and /admin on server.http_addr
//   4. Serve grpc.health.v1 on server.grpc_addr when set
//   5. SIGHUP reloads recommendation artifacts
//   6. SIGINT / SIGTERM shut everything down gracefully
//
// score Command:
//   Runs the pipeline in inline mode: every application is processed to
//   completion, retries included, before the command returns.
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
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/talent-match/internal/config"
	"github.com/ChuLiYu/talent-match/internal/pipeline"
	"github.com/ChuLiYu/talent-match/internal/recommend"
	"github.com/ChuLiYu/talent-match/internal/scorer"
	"github.com/ChuLiYu/talent-match/internal/server"
	"github.com/ChuLiYu/talent-match/internal/textextract"
	"github.com/ChuLiYu/talent-match/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=".
var Version = "dev"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "talent-match",
		Short: "Talent-Match: candidate/job matching and recommendation engine",
		Long: `Talent-Match scores job applications against job postings and
answers similar-job queries from precomputed artifacts:
- skill extraction and weighted match scoring
- retrying scoring pipeline with snapshot recovery
- tiered recommendation index (ANN, sparse, dense, fallbacks)`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildScoreCommand())
	rootCmd.AddCommand(buildRecommendCommand())
	rootCmd.AddCommand(buildMatchCommand())
	rootCmd.AddCommand(buildIndexCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// setup 載入配置並建立 logger 與基礎設施
func setup(ctx context.Context, errOut io.Writer) (*env, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log, errOut)
	slog.SetDefault(logger)
	return openEnv(ctx, cfg, logger)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scoring pipeline and ops servers",
		Long:  "Start the scoring pipeline in the configured mode with the ops HTTP router and gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			return runSystem(cmd.Context(), e)
		},
	}
}

func runSystem(ctx context.Context, e *env) error {
	cfg := e.cfg
	log := e.log

	p, err := e.newPipeline(e.pipelineConfig(pipeline.Mode(cfg.Pipeline.Mode)))
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	ix := e.newIndex()
	for _, st := range ix.Status() {
		log.Info("Recommendation tier", "tier", st.Name, "loaded", st.Loaded, "jobs", st.Jobs, "error", st.Error)
	}

	ops := server.New(p, ix, server.Options{
		Gatherer: e.gatherer(),
		DefaultK: cfg.Recommend.DefaultK,
		Logger:   log,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           ops.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("Ops HTTP server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var health *server.Health
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			_ = httpSrv.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
		}
		health = server.NewHealth()
		go func() {
			log.Info("gRPC health server listening", "addr", cfg.Server.GRPCAddr)
			if err := health.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	if err := p.Start(ctx); err != nil {
		_ = httpSrv.Close()
		if health != nil {
			health.Stop()
		}
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	if health != nil {
		health.SetServing(true)
	}
	if n, err := p.EnqueueBatch(ctx, cfg.Sweeper.Batch); err != nil {
		log.Error("Failed to queue unscored applications", "error", err)
	} else if n > 0 {
		log.Info("Queued unscored applications", "count", n)
	}

	log.Info("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				tiers := ix.Reload()
				log.Info("Recommendation artifacts reloaded", "tiers", len(tiers))
				continue
			}
			log.Info("Received shutdown signal, stopping gracefully...", "signal", sig.String())
			break wait
		case err := <-errCh:
			log.Error("Server failed, shutting down", "error", err)
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	if health != nil {
		health.SetServing(false)
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", "error", err)
	}
	p.Stop()
	if health != nil {
		health.Stop()
	}

	log.Info("System stopped. Goodbye!")
	return nil
}

// ============================================================================
// score
// ============================================================================

func buildScoreCommand() *cobra.Command {
	var batch int
	var maxRetries int

	cmd := &cobra.Command{
		Use:   "score [application-id...]",
		Short: "Score applications synchronously",
		Long:  "Run the scoring pipeline inline for the given applications, or for the oldest unscored ones when no id is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseApplicationIDs(args)
			if err != nil {
				return err
			}
			e, err := setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			return scoreApplications(cmd.Context(), e, ids, batch, maxRetries, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&batch, "batch", "n", pipeline.DefaultBatchSize, "number of unscored applications when no id is given")
	cmd.Flags().IntVar(&maxRetries, "max-retries", -1, "override pipeline.max_retries (negative keeps config)")
	return cmd
}

func parseApplicationIDs(args []string) ([]types.ApplicationID, error) {
	ids := make([]types.ApplicationID, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid application id %q", a)
		}
		ids = append(ids, types.ApplicationID(n))
	}
	return ids, nil
}

func scoreApplications(ctx context.Context, e *env, ids []types.ApplicationID, batch, maxRetries int, out io.Writer) error {
	pcfg := e.pipelineConfig(pipeline.ModeInline)
	pcfg.SnapshotPath = ""
	pcfg.SweepInterval = 0
	if maxRetries >= 0 {
		pcfg.MaxRetries = maxRetries
	}

	p, err := e.newPipeline(pcfg)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer p.Stop()

	if len(ids) == 0 {
		ids, err = e.apps.ListUnscored(ctx, time.Now(), batch)
		if err != nil {
			return fmt.Errorf("failed to list unscored applications: %w", err)
		}
	}
	for _, id := range ids {
		if err := p.Enqueue(ctx, id); err != nil {
			return fmt.Errorf("score application %d: %w", id, err)
		}
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APPLICATION\tSTATE\tATTEMPTS\tSCORE\tMATCH\tSKILLS")
	for _, id := range ids {
		task, _ := p.Task(id)
		score, match, skills := "-", "-", "-"
		if app, err := e.apps.Get(ctx, id); err == nil && app.Result.Completed() {
			score = fmt.Sprintf("%.2f", app.Result.Score)
			match = string(scorer.BucketOf(app.Result.Score))
			skills = fmt.Sprint(len(app.Result.SkillsExtracted))
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n", id, task.State, task.AttemptCount, score, match, skills)
	}
	return tw.Flush()
}

// ============================================================================
// recommend / match / build-index
// ============================================================================

func buildRecommendCommand() *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "recommend <job-id>",
		Short: "Show jobs similar to a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			e, err := setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			if !cmd.Flags().Changed("top") {
				k = e.cfg.Recommend.DefaultK
			}
			rec := e.newIndex().Recommend(cmd.Context(), types.JobID(id), k)
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().IntVarP(&k, "top", "k", recommend.DefaultK, "number of similar jobs")
	return cmd
}

func buildMatchCommand() *cobra.Command {
	var cvPath string
	var limit int

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Rank approved jobs for a CV file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(cvPath)
			if err != nil {
				return fmt.Errorf("failed to read cv file: %w", err)
			}
			text, err := textextract.NewPlain().Extract(cmd.Context(), data, "")
			if err != nil {
				return fmt.Errorf("failed to extract cv text: %w", err)
			}
			e, err := setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			matches, skills, err := recommend.NewRanker(e.jobs, nil).Rank(cmd.Context(), text, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"skills":  skills,
				"matches": matches,
			})
		},
	}

	cmd.Flags().StringVar(&cvPath, "cv", "", "plain-text CV file")
	cmd.Flags().IntVarP(&limit, "limit", "n", recommend.DefaultRankLimit, "maximum number of jobs")
	_ = cmd.MarkFlagRequired("cv")
	return cmd
}

func buildIndexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "build-index",
		Short: "Rebuild recommendation artifacts from approved jobs",
		Long:  "Compute the ANN, sparse and (optionally) dense tiers and publish them atomically. Running servers pick them up on SIGHUP or POST /admin/reload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.newBuilder().Build(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to build index: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration, stored score statistics and recommendation tier status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			return showStatus(cmd.Context(), e, cmd.OutOrStdout())
		},
	}
}

func showStatus(ctx context.Context, e *env, out io.Writer) error {
	cfg := e.cfg

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Talent-Match System Status                      ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Pipeline Mode:   %s\n", cfg.Pipeline.Mode)
	fmt.Fprintf(out, "  ├─ Workers:         %d (timeout %s)\n", cfg.Worker.Count, cfg.Worker.TaskTimeout)
	fmt.Fprintf(out, "  ├─ Max Retries:     %d (base %s)\n", cfg.Pipeline.MaxRetries, cfg.Pipeline.RetryBase)
	fmt.Fprintf(out, "  ├─ Store / Queue:   %s / %s\n", cfg.Store.Backend, cfg.Queue.Backend)
	fmt.Fprintf(out, "  └─ Snapshot:        %s every %s\n", cfg.Snapshot.Path, cfg.Snapshot.Interval)
	fmt.Fprintln(out)

	st, err := e.apps.ScoreStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to load score stats: %w", err)
	}
	fmt.Fprintln(out, "📊 Scoring:")
	fmt.Fprintf(out, "  ├─ Applications:    %d\n", st.Total)
	fmt.Fprintf(out, "  ├─ Processed:       %d (%.1f%%)\n", st.Processed, st.ProcessingRate())
	fmt.Fprintf(out, "  ├─ Pending:         %d\n", st.Pending)
	fmt.Fprintf(out, "  ├─ Score avg/max/min: %.2f / %.2f / %.2f\n", st.Average, st.Max, st.Min)
	fmt.Fprintf(out, "  └─ High / Medium / Low: %d / %d / %d\n", st.High, st.Medium, st.Low)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🔎 Recommendation Tiers:")
	tiers := e.newIndex().Status()
	for i, t := range tiers {
		branch := "├─"
		if i == len(tiers)-1 {
			branch = "└─"
		}
		if t.Loaded {
			fmt.Fprintf(out, "  %s %-8s ✅ %d jobs\n", branch, t.Name, t.Jobs)
		} else {
			fmt.Fprintf(out, "  %s %-8s ⚠️  %s\n", branch, t.Name, t.Error)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://%s/metrics\n", cfg.Server.HTTPAddr)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
