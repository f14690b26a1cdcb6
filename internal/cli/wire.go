package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/talent-match/internal/config"
	"github.com/ChuLiYu/talent-match/internal/metrics"
	"github.com/ChuLiYu/talent-match/internal/notify"
	"github.com/ChuLiYu/talent-match/internal/pipeline"
	"github.com/ChuLiYu/talent-match/internal/queue"
	"github.com/ChuLiYu/talent-match/internal/recommend"
	"github.com/ChuLiYu/talent-match/internal/store"
	"github.com/ChuLiYu/talent-match/internal/store/memory"
	"github.com/ChuLiYu/talent-match/internal/store/postgres"
	"github.com/ChuLiYu/talent-match/internal/textextract"
)

// newLogger 依配置建立 slog handler
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// env 一次命令執行所需的基礎設施
type env struct {
	cfg      *config.Config
	log      *slog.Logger
	jobs     store.JobRepository
	apps     store.ApplicationRepository
	sink     notify.Sink
	queue    queue.TaskQueue
	registry *prometheus.Registry
	metrics  *metrics.Collector
	closers  []func()
}

// openEnv 依配置連接儲存、佇列與監控；失敗時釋放已開啟的資源
func openEnv(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *env, err error) {
	e := &env{cfg: cfg, log: logger}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	sinks := notify.Fanout{notify.NewLogSink(logger)}

	switch cfg.Store.Backend {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, pool.Close)
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return nil, err
		}
		e.usePostgres(pool)
		sinks = append(sinks, postgres.NewNotificationSink(pool))
	default:
		jobs, apps, err := memory.LoadSeed(cfg.Store.SeedFile)
		if err != nil {
			return nil, err
		}
		e.jobs, e.apps = jobs, apps
	}
	e.sink = sinks

	if cfg.Queue.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		e.closers = append(e.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		q := queue.NewRedis(rdb, queue.DefaultRedisKeys(cfg.Queue.KeyPrefix))
		e.closers = append(e.closers, func() { _ = q.Close() })
		e.queue = q
	}

	if cfg.Metrics.Enabled {
		e.registry = prometheus.NewRegistry()
		e.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		e.metrics = metrics.NewCollector(e.registry)
	}
	return e, nil
}

func (e *env) usePostgres(pool *pgxpool.Pool) {
	e.jobs = postgres.NewJobStore(pool)
	e.apps = postgres.NewApplicationStore(pool, e.cfg.Store.CVRoot, e.log)
}

// Close 以開啟的相反順序釋放資源
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// gatherer 未啟用監控時為 nil
func (e *env) gatherer() prometheus.Gatherer {
	if e.registry == nil {
		return nil
	}
	return e.registry
}

func (e *env) pipelineConfig(mode pipeline.Mode) pipeline.Config {
	c := e.cfg
	return pipeline.Config{
		Mode:             mode,
		Workers:          c.Worker.Count,
		ResultBuffer:     c.Worker.BufferSize,
		TaskTimeout:      c.Worker.TaskTimeout,
		MaxRetries:       c.Pipeline.MaxRetries,
		RetryBase:        c.Pipeline.RetryBase,
		RetryInterval:    c.Pipeline.RetryInterval,
		SnapshotPath:     c.Snapshot.Path,
		SnapshotInterval: c.Snapshot.Interval,
		SnapshotBackups:  c.Snapshot.Backups,
		Retention:        c.Pipeline.Retention,
		SweepInterval:    c.Sweeper.Interval,
		StaleAfter:       c.Sweeper.StaleAfter,
		SweepBatch:       c.Sweeper.Batch,
		SweepRate:        c.Sweeper.Rate,
	}
}

func (e *env) newPipeline(cfg pipeline.Config) (*pipeline.Pipeline, error) {
	return pipeline.New(cfg, pipeline.Deps{
		Jobs:      e.jobs,
		Apps:      e.apps,
		Extractor: textextract.NewPlain(),
		Sink:      e.sink,
		Queue:     e.queue,
		Metrics:   e.metrics,
		Logger:    e.log,
	})
}

func (e *env) newIndex() *recommend.Index {
	opts := recommend.Options{
		EfSearch:      e.cfg.Recommend.EfSearch,
		DenseWarnSize: e.cfg.Recommend.DenseWarnSize,
		Logger:        e.log,
	}
	if e.metrics != nil {
		opts.Recorder = e.metrics
	}
	return recommend.NewIndex(recommend.NewStore(e.cfg.Recommend.ArtifactDir), e.jobs, opts)
}

func (e *env) newBuilder() *recommend.Builder {
	opts := recommend.DefaultBuildOptions()
	r := e.cfg.Recommend
	opts.Neighbors = r.Neighbors
	opts.GraphM = r.GraphM
	opts.Dim = r.Dim
	opts.EfSearch = r.EfSearch
	opts.Dense = r.BuildDense
	return recommend.NewBuilder(recommend.NewStore(r.ArtifactDir), e.jobs, opts, e.log)
}
