/*
ppos runs the buffer cache and the page allocator under concurrent workload.

Each worker plays one cpu: it reads, modifies, writes through and releases random blocks,
and allocates and frees pages on its own cpu list.
The tick counter is advanced by the timer goroutine as clock interrupt does in xv6.
The counters are served to prometheus when metrics address is configured, and logged at exit.

	ppos -config config.json
*/
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/HayatoShiba/ppos/config"
	"github.com/HayatoShiba/ppos/internal/logger"
	"github.com/HayatoShiba/ppos/memory/kalloc"
	"github.com/HayatoShiba/ppos/metrics"
	"github.com/HayatoShiba/ppos/storage/buffer"
	"github.com/HayatoShiba/ppos/storage/disk"
	"github.com/HayatoShiba/ppos/storage/tick"
)

func main() {
	path := flag.String("config", "", "path of json config. default configuration is used when empty")
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		var err error
		cfg, err = config.Load(*path)
		if err != nil {
			slog.Error("failed to load config", "path", *path, "err", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("simulation failed", "err", err)
		os.Exit(1)
	}
}

// run builds the components from cfg and drives the workload until the duration elapses
func run(ctx context.Context, cfg config.Config) error {
	w := io.Writer(os.Stderr)
	if cfg.Log.Path != "" {
		f, err := os.OpenFile(cfg.Log.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return errors.Wrap(err, "os.OpenFile failed")
		}
		defer f.Close()
		w = io.MultiWriter(os.Stderr, f)
	}
	log, err := logger.New(cfg.Log.Level, w)
	if err != nil {
		return errors.Wrap(err, "logger.New failed")
	}

	dm, err := newDisk(cfg.Disk)
	if err != nil {
		return err
	}
	defer dm.Close()

	clock := &tick.Counter{}
	cache, err := newCache(dm, clock, log, cfg.Buffer)
	if err != nil {
		return err
	}

	pages, err := kalloc.New(kalloc.Config{
		NumCPU:   cfg.Memory.NumCPU,
		NumPages: cfg.Memory.NumPages,
		Junk:     cfg.Memory.Junk,
		Logger:   log,
	})
	if err != nil {
		return errors.Wrap(err, "kalloc.New failed")
	}

	if cfg.Sim.MetricsAddr != "" {
		srv, err := serveMetrics(cfg.Sim.MetricsAddr, metrics.NewCollector(cache, pages), log)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Sim.Duration))
	defer cancel()
	go clock.Run(ctx, time.Duration(cfg.Sim.TickInterval))

	limit := rate.Inf
	if cfg.Sim.OpsPerSecond > 0 {
		limit = rate.Limit(cfg.Sim.OpsPerSecond)
	}
	wl := &workload{
		cache:   cache,
		pages:   pages,
		limiter: rate.NewLimiter(limit, int(math.Max(1, cfg.Sim.OpsPerSecond/10))),
		blocks:  cfg.Sim.Blocks,
		logger:  log,
	}

	log.Info("simulation started",
		"variant", cfg.Buffer.Variant,
		"buffers", cfg.Buffer.NumBuffers,
		"cpus", cfg.Memory.NumCPU,
		"pages", cfg.Memory.NumPages,
		"duration", time.Duration(cfg.Sim.Duration))

	res, err := wl.run(ctx)
	if err != nil {
		return errors.Wrap(err, "workload failed")
	}
	sum, err := wl.sum()
	if err != nil {
		return err
	}
	if sum != res.updates {
		return errors.Errorf("lost update: block counters sum to %d, %d updates were done", sum, res.updates)
	}
	if err := dm.Sync(); err != nil {
		return errors.Wrap(err, "disk sync failed")
	}

	bst := cache.Stats()
	kst := pages.Stats()
	log.Info("simulation finished",
		"ticks", clock.Now(),
		"updates", res.updates,
		"hits", bst.Hits,
		"misses", bst.Misses,
		"relocations", bst.Relocations,
		"global_scans", bst.GlobalScans,
		"allocs", kst.Allocs,
		"steals", kst.Steals,
		"stolen_pages", kst.StolenPages,
		"out_of_memory", kst.OutOfMemory,
		"free_pages", kst.FreePages)
	return nil
}

// newDisk opens file disk under dir, or memory disk when dir is empty
func newDisk(cfg config.Disk) (*disk.Manager, error) {
	if cfg.Dir == "" {
		return disk.NewMemoryManager(cfg.NumBlocks), nil
	}
	dm, err := disk.NewManager(cfg.Dir, cfg.NumBlocks)
	if err != nil {
		return nil, errors.Wrap(err, "disk.NewManager failed")
	}
	return dm, nil
}

// newCache initializes the configured variant of buffer cache
func newCache(d buffer.Disk, clock tick.Clock, log *slog.Logger, cfg config.Buffer) (buffer.Cache, error) {
	bcfg := buffer.Config{
		NumBuffers: cfg.NumBuffers,
		NumBuckets: cfg.NumBuckets,
		Clock:      clock,
		Logger:     log,
	}
	switch cfg.Variant {
	case config.VariantStack:
		s, err := buffer.NewStackManager(d, bcfg)
		if err != nil {
			return nil, errors.Wrap(err, "buffer.NewStackManager failed")
		}
		return s, nil
	default:
		m, err := buffer.NewManager(d, bcfg)
		if err != nil {
			return nil, errors.Wrap(err, "buffer.NewManager failed")
		}
		return m, nil
	}
}

// serveMetrics starts prometheus endpoint in background
func serveMetrics(addr string, c prometheus.Collector, log *slog.Logger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, errors.Wrap(err, "register collector failed")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "err", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return srv, nil
}
