package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lumafs/shadowtick/internal/logger"
	"github.com/lumafs/shadowtick/internal/telemetry"
	"github.com/lumafs/shadowtick/pkg/config"
	"github.com/lumafs/shadowtick/pkg/metrics"
	"github.com/lumafs/shadowtick/pkg/swmr"
)

var (
	demoDuration time.Duration
	demoPages    uint64
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a writer and a reader against one shadow file",
	Long: `Exercise the full coordination protocol in one process: a writer dirties
pages and publishes every tick while a reader polls the shadow file and
reconciles its caches.

Examples:
  # One minute with defaults
  shadowtick demo

  # Ten seconds, cycling through 32 pages
  shadowtick demo --duration 10s --pages 32`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().DurationVar(&demoDuration, "duration", time.Minute, "how long to run")
	demoCmd.Flags().Uint64Var(&demoPages, "pages", 16, "number of distinct pages to cycle through")
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	if err := telemetry.StartProfiling(cfg.Profiling); err != nil {
		return err
	}
	defer telemetry.StopProfiling()

	var met metrics.EOTMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		met = metrics.NewEOTMetrics()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go srv.ListenAndServe()
		defer srv.Close()
		logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	swmrCfg := cfg.SWMR
	if cfgFile == "" {
		dir, err := os.MkdirTemp("", "shadowtick-demo")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		swmrCfg.MDFilePath = filepath.Join(dir, "demo.shadow")
	}

	writerCfg := swmrCfg
	writerCfg.Writer = true
	writerPB := newDemoPageBuffer(demoPages, uint64(writerCfg.PageSize))

	writer, err := swmr.OpenWriter(swmr.Options{
		Config:     writerCfg,
		PageBuffer: writerPB,
		Metrics:    met,
		Scheduler:  swmr.NewScheduler(),
		FileCreate: false,
	})
	if err != nil {
		return err
	}

	readerCfg := swmrCfg
	readerCfg.Writer = false
	readerPB := newDemoPageBuffer(0, uint64(readerCfg.PageSize))

	reader, err := swmr.OpenReader(swmr.Options{
		Config:        readerCfg,
		PageBuffer:    readerPB,
		MetadataCache: &demoMetadataCache{},
		Metrics:       met,
		Scheduler:     swmr.NewScheduler(),
	})
	if err != nil {
		return err
	}

	watcher, err := swmr.WatchShadowFile(swmrCfg.MDFilePath)
	if err != nil {
		return err
	}
	defer watcher.Close()

	runCtx, cancel := context.WithTimeout(ctx, demoDuration)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		ticker := time.NewTicker(writerCfg.TickDuration())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return writer.Close(context.Background())
			case <-ticker.C:
				writerPB.dirtySomePages(writer.Tick())
				if err := writer.WriterEndOfTick(gctx); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(readerCfg.TickDuration())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return reader.Close(context.Background())
			case <-ticker.C:
			case <-watcher.Nudges():
			}
			if err := reader.ReaderEndOfTick(gctx); err != nil {
				return err
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Printf("demo complete: writer tick %d, reader tick %d, reader evictions %d\n",
		writer.Tick(), reader.Tick(), readerPB.evictions)
	return nil
}
