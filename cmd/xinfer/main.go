package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/xinfer/internal/config"
	"github.com/23skdu/xinfer/internal/device"
	"github.com/23skdu/xinfer/internal/engine"
	"github.com/23skdu/xinfer/internal/flightrpc"
	"github.com/23skdu/xinfer/internal/logger"
	"github.com/23skdu/xinfer/internal/monitoring"
	"github.com/23skdu/xinfer/internal/planstore"
	"github.com/23skdu/xinfer/internal/serve"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

type modelFlags map[string]config.ModelConfig

func (m modelFlags) String() string { return fmt.Sprint(map[string]config.ModelConfig(m)) }

// Set parses name=uri[,instances].
func (m modelFlags) Set(v string) error {
	name, rest, ok := strings.Cut(v, "=")
	if !ok || name == "" || rest == "" {
		return fmt.Errorf("want name=uri[,instances], got %q", v)
	}
	mc := config.ModelConfig{Plan: rest}
	if uri, n, ok := strings.Cut(rest, ","); ok {
		mc.Plan = uri
		if _, err := fmt.Sscanf(n, "%d", &mc.Instances); err != nil {
			return fmt.Errorf("bad instance count in %q: %w", v, err)
		}
	}
	m[name] = mc
	return nil
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		deviceName = flag.String("device", "", "Device driver (overrides config)")
		flightAddr = flag.String("flight", "", "Arrow Flight listen address (overrides config)")
		adminAddr  = flag.String("admin", "", "Admin HTTP listen address (overrides config)")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error")
		logFormat  = flag.String("log-format", "", "Log format: console or json")
		models     = modelFlags{}
	)
	flag.Var(models, "model", "Model to serve as name=uri[,instances]; repeatable")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	override(&cfg.Device, *deviceName)
	override(&cfg.FlightAddr, *flightAddr)
	override(&cfg.AdminAddr, *adminAddr)
	override(&cfg.LogLevel, *logLevel)
	override(&cfg.LogFormat, *logFormat)
	for name, mc := range models {
		cfg.Models[name] = mc
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg); err != nil {
		logger.Log.Error("xinfer exited", "error", err)
		os.Exit(1)
	}
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func run(cfg config.Config) error {
	maxMem, err := cfg.DeviceMemoryBytes()
	if err != nil {
		return err
	}
	threads := cfg.NumThreads
	device.Register(device.CPUName, func() (device.Driver, error) {
		c := device.NewCPU(maxMem)
		if threads > 0 {
			c.SetNumThreads(threads)
		}
		return c, nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var storeOpts []planstore.Option
	if cfg.GCSEndpoint != "" {
		storeOpts = append(storeOpts, planstore.WithEndpoint(cfg.GCSEndpoint))
	}
	store := planstore.New(cfg.CacheDir, storeOpts...)
	defer store.Close()

	registry := serve.NewRegistry()
	defer registry.Close()

	admin := monitoring.NewServer(registry, version, logger.Log)
	flightSrv, err := flightrpc.NewServer(cfg.FlightAddr, flightrpc.NewService(registry, logger.Log))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.AdminAddr != "" {
		g.Go(func() error { return admin.ListenAndServe(cfg.AdminAddr) })
	}
	g.Go(flightSrv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		flightSrv.Shutdown()
		return admin.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		for _, name := range cfg.ModelNames() {
			if err := loadModel(gctx, cfg, store, registry, name); err != nil {
				return err
			}
		}
		logger.Log.Info("all models loaded", "models", registry.Models())
		return nil
	})

	return g.Wait()
}

func loadModel(ctx context.Context, cfg config.Config, store *planstore.Store, registry *serve.Registry, name string) error {
	path, err := store.Resolve(ctx, cfg.Models[name].Plan)
	if err != nil {
		return fmt.Errorf("model %s: %w", name, err)
	}
	pool, err := serve.NewPool(ctx, serve.PoolConfig{
		Name:    name,
		Size:    cfg.InstancesFor(name),
		Timeout: cfg.RequestTimeout,
		Load: func(context.Context) (engine.Engine, error) {
			return engine.Load(path, engine.WithDevice(cfg.Device), engine.WithName(name))
		},
		Log: logger.Log,
	})
	if err != nil {
		return fmt.Errorf("model %s: %w", name, err)
	}
	if err := registry.Add(pool); err != nil {
		pool.Close()
		return err
	}
	return nil
}
