package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/transqueue/internal/config"
	"github.com/ChuLiYu/transqueue/internal/controller"
	"github.com/ChuLiYu/transqueue/internal/extract"
	"github.com/ChuLiYu/transqueue/internal/httpapi"
	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/internal/jobstore/sqlite"
	"github.com/ChuLiYu/transqueue/internal/jobstore/walstore"
	"github.com/ChuLiYu/transqueue/internal/metrics"
	"github.com/ChuLiYu/transqueue/internal/processor"
	"github.com/ChuLiYu/transqueue/internal/progress"
	"github.com/ChuLiYu/transqueue/internal/scheduler"
	"github.com/ChuLiYu/transqueue/internal/server"
	"github.com/ChuLiYu/transqueue/internal/translator"
)

// shutdownTimeout HTTP / gRPC 優雅關閉的上限
const shutdownTimeout = 5 * time.Second

// app 一個行程內的完整元件組合
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	hub      *progress.Hub
	store    jobstore.Store
	sched    *scheduler.Scheduler
	ctrl     *controller.Controller
}

// newApp 依設定建立 store、translator、scheduler 與 controller
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	store, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	tr, err := newTranslator(cfg.Translator)
	if err != nil {
		store.Close()
		return nil, err
	}

	hub := progress.NewHub(logger, 0)
	proc := processor.New(tr, processor.Config{
		MaxAttempts:      cfg.Processor.MaxAttempts,
		BaseDelay:        cfg.Processor.BaseDelay,
		MaxDelay:         cfg.Processor.MaxDelay,
		AttemptTimeout:   cfg.Processor.AttemptTimeout,
		QualityThreshold: cfg.Processor.QualityThreshold,
	}, processor.WithLogger(logger), processor.WithMetrics(m))

	dec := extract.NewTextDecomposer(extract.Options{
		MaxBytes:     cfg.Extract.MaxBytes,
		ContextBytes: cfg.Extract.ContextBytes,
		BaseDir:      cfg.Extract.BaseDir,
	})

	sched := scheduler.New(store, dec, proc, scheduler.Config{
		GlobalConcurrency: cfg.Scheduler.GlobalConcurrency,
		JobConcurrency:    cfg.Scheduler.JobConcurrency,
		FailureTolerance:  cfg.Scheduler.FailureTolerance,
		ResumeInterrupted: cfg.Scheduler.ResumeInterrupted,
		MaxRetries:        cfg.Scheduler.MaxRetries,
		JobTimeout:        cfg.Scheduler.JobTimeout,
	}, scheduler.WithLogger(logger), scheduler.WithMetrics(m), scheduler.WithHub(hub))

	ctrl := controller.New(sched, store, controller.Config{
		Workers:          cfg.Controller.Workers,
		DispatchInterval: cfg.Controller.DispatchInterval,
		CleanupInterval:  cfg.Controller.CleanupInterval,
		CleanupAge:       cfg.Controller.CleanupAge,
		SnapshotInterval: cfg.Controller.SnapshotInterval,
		StatsInterval:    cfg.Controller.StatsInterval,
	}, controller.WithLogger(logger), controller.WithMetrics(m))

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  m,
		hub:      hub,
		store:    store,
		sched:    sched,
		ctrl:     ctrl,
	}, nil
}

func (a *app) Close() error {
	a.hub.Close()
	return a.store.Close()
}

// openStore 建立設定指定的任務儲存
func openStore(cfg config.StoreConfig, logger *slog.Logger) (jobstore.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return jobstore.NewMemory(), nil
	case config.BackendWAL:
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		store, err := walstore.Open(cfg.Dir, walstore.Options{
			SyncOnAppend:      cfg.SyncOnAppend,
			KeepBackups:       cfg.KeepBackups,
			CompressSnapshots: cfg.CompressSnapshots,
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open wal store: %w", err)
		}
		return store, nil
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// newTranslator 建立翻譯後端，設定速率時包一層 RateLimited
func newTranslator(cfg config.TranslatorConfig) (translator.Translator, error) {
	var tr translator.Translator
	switch cfg.Kind {
	case config.TranslatorStub:
		tr = translator.NewStub()
	case config.TranslatorHTTP:
		h, err := translator.NewHTTP(translator.HTTPConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create http translator: %w", err)
		}
		tr = h
	default:
		return nil, fmt.Errorf("unknown translator kind %q", cfg.Kind)
	}
	if cfg.RateLimit > 0 {
		tr = translator.NewRateLimited(tr, cfg.RateLimit, cfg.Burst)
	}
	return tr, nil
}

// ============================================================================
// run 命令主體
// ============================================================================

// serve 啟動 Controller 與對外介面，直到 ctx 結束或收到 SIGINT / SIGTERM
//
// 流程：
//  1. Controller.Start（恢復上次未完成的任務）
//  2. gRPC 與 HTTP 伺服器各自一個 goroutine
//  3. 收到訊號後先關閉對外介面，再停止 Controller（最後一次 Checkpoint）
func (a *app) serve(ctx context.Context, ready func(grpcAddr, httpAddr string)) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	rec := a.ctrl.Recovery()
	a.logger.Info("system started",
		"store", a.cfg.Store.Backend,
		"workers", a.cfg.Controller.Workers,
		"resumed_jobs", rec.Resumed,
		"recovery", rec.Duration)

	g, gctx := errgroup.WithContext(ctx)
	var grpcAddr, httpAddr string

	if a.cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			a.ctrl.Stop()
			return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err)
		}
		grpcAddr = lis.Addr().String()
		gs := server.NewGRPCServer(a.ctrl, a.logger)
		g.Go(func() error {
			a.logger.Info("grpc server listening", "addr", grpcAddr)
			if err := gs.Serve(lis); err != nil {
				return fmt.Errorf("grpc server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			stopped := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(shutdownTimeout):
				gs.Stop()
			}
			return nil
		})
	}

	if a.cfg.HTTP.Enabled {
		lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
		if err != nil {
			stop()
			g.Wait()
			a.ctrl.Stop()
			return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
		}
		httpAddr = lis.Addr().String()
		api := httpapi.Server{
			Backend:        a.ctrl,
			Hub:            a.hub,
			Logger:         a.logger,
			AllowedOrigins: a.cfg.HTTP.AllowedOrigins,
		}
		if a.cfg.Metrics.Enabled {
			api.Metrics = a.metrics
		}
		httpServer := &http.Server{Handler: api.Router(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			a.logger.Info("http server listening", "addr", httpAddr, "metrics", a.cfg.Metrics.Enabled)
			if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if ready != nil {
		ready(grpcAddr, httpAddr)
	}

	// 沒有對外介面時也要等待訊號
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	a.logger.Info("received shutdown signal, stopping gracefully")
	if serr := a.ctrl.Stop(); serr != nil && err == nil {
		err = serr
	}
	a.logger.Info("system stopped")
	return err
}
