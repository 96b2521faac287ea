// Package daemon holds the process plumbing shared by the ttnrelay binaries:
// logger, metrics and health servers, registry backends and shutdown.
package daemon

import (
	"context"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	grpc_middleware "github.com/mwitkow/go-grpc-middleware"
	grpc_opentracing "github.com/mwitkow/go-grpc-middleware/tracing/opentracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/akhenakh/ttnrelay/storage"
	badgerreg "github.com/akhenakh/ttnrelay/storage/badger"
	redisreg "github.com/akhenakh/ttnrelay/storage/redis"
)

const (
	RegistryBadger = "badger"
	RegistryRedis  = "redis"

	// DefaultRegistry is shared by the gateway and the decoder, a badger
	// directory can only be opened by one process.
	DefaultRegistry = RegistryRedis
)

// NewLogger returns the JSON logger used by every binary, filtered at levelName.
func NewLogger(appName, levelName string) log.Logger {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "caller", log.DefaultCaller, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "app", appName)

	var opt level.Option
	switch strings.ToLower(levelName) {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	logger = level.NewFilter(logger, opt)

	stdlog.SetOutput(log.NewStdlibAdapter(logger))
	return logger
}

// Daemon runs the metrics and health servers next to the binary's own loops.
type Daemon struct {
	appName string
	logger  log.Logger

	Health *health.Server

	g   *errgroup.Group
	ctx context.Context

	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	shutdowns         []func(ctx context.Context)
}

// New starts the metrics server on metricsPort and the gRPC health server on healthPort.
func New(ctx context.Context, appName string, logger log.Logger, metricsPort, healthPort int) *Daemon {
	g, ctx := errgroup.WithContext(ctx)
	d := &Daemon{
		appName: appName,
		logger:  logger,
		Health:  health.NewServer(),
		g:       g,
		ctx:     ctx,
	}

	// gRPC Health Server
	d.grpcHealthServer = grpc.NewServer(
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_opentracing.StreamServerInterceptor(),
			grpc_prometheus.StreamServerInterceptor,
		)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_opentracing.UnaryServerInterceptor(),
			grpc_prometheus.UnaryServerInterceptor,
		)),
	)
	healthpb.RegisterHealthServer(d.grpcHealthServer, d.Health)
	grpc_prometheus.Register(d.grpcHealthServer)

	g.Go(func() error {
		haddr := fmt.Sprintf(":%d", healthPort)
		hln, err := net.Listen("tcp", haddr)
		if err != nil {
			level.Error(logger).Log("msg", "gRPC Health server: failed to listen", "error", err)
			return err
		}
		level.Info(logger).Log("msg", fmt.Sprintf("gRPC health server serving at %s", haddr))
		return d.grpcHealthServer.Serve(hln)
	})

	// web server metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	d.httpMetricsServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", metricsPort),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      mux,
	}
	g.Go(func() error {
		level.Info(logger).Log("msg", fmt.Sprintf("HTTP Metrics server serving at :%d", metricsPort))
		if err := d.httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	return d
}

// Context is canceled as soon as any loop returns an error.
func (d *Daemon) Context() context.Context {
	return d.ctx
}

// Go runs fn in the daemon group.
func (d *Daemon) Go(fn func() error) {
	d.g.Go(fn)
}

// OnShutdown registers fn to be called, in registration order, on shutdown.
func (d *Daemon) OnShutdown(fn func(ctx context.Context)) {
	d.shutdowns = append(d.shutdowns, fn)
}

func (d *Daemon) serviceName() string {
	return fmt.Sprintf("grpc.health.v1.%s", d.appName)
}

// Serving flags the daemon as ready.
func (d *Daemon) Serving() {
	d.Health.SetServingStatus(d.serviceName(), healthpb.HealthCheckResponse_SERVING)
}

// Wait blocks until a termination signal or a failing loop, then shuts everything down.
func (d *Daemon) Wait(cancel context.CancelFunc) error {
	// catch termination
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	select {
	case <-interrupt:
		cancel()
	case <-d.ctx.Done():
	}

	level.Warn(d.logger).Log("msg", "received shutdown signal")

	d.Health.SetServingStatus(d.serviceName(), healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	for _, fn := range d.shutdowns {
		fn(shutdownCtx)
	}

	_ = d.httpMetricsServer.Shutdown(shutdownCtx)
	d.grpcHealthServer.GracefulStop()

	return d.g.Wait()
}

// RegistryOptions selects and configures a registry backend.
type RegistryOptions struct {
	Backend        string
	DefaultDecoder string

	DBPath string

	Redis redisreg.Options
}

// OpenRegistry opens the configured backend, the returned func releases it.
// A redis backend is pinged so a wrong address fails at start.
func OpenRegistry(ctx context.Context, o RegistryOptions) (storage.Admin, func() error, error) {
	switch o.Backend {
	case RegistryRedis, "":
		rdb := redisreg.NewClient(o.Redis)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("can't reach redis registry at %s: %w", o.Redis.Addr, err)
		}
		return redisreg.NewRegistry(rdb, o.Redis.Namespace, o.DefaultDecoder), rdb.Close, nil
	case RegistryBadger:
		opts := badger.DefaultOptions(o.DBPath)
		opts.Logger = nil
		opts.TableLoadingMode = options.FileIO

		bdb, err := badger.Open(opts)
		if err != nil {
			return nil, nil, fmt.Errorf(
				"failed to open DB %s, a badger registry can't be shared between processes, use -registry %s: %w",
				o.DBPath, RegistryRedis, err)
		}
		return badgerreg.NewRegistry(bdb, o.DefaultDecoder), bdb.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry backend %q", o.Backend)
	}
}
