package ramutex

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
	"pkt.systems/ramutex/internal/svcfields"
	"pkt.systems/ramutex/internal/version"
)

const exporterTimeout = 10 * time.Second

type telemetryOptions struct {
	endpoint         string
	metricsListen    string
	pprofListen      string
	profilingMetrics bool
	peerID           int
	runID            string
}

func (o telemetryOptions) empty() bool {
	return o.endpoint == "" && o.metricsListen == "" && o.pprofListen == "" && !o.profilingMetrics
}

// telemetry owns the exporters and debug listeners of one node. Teardown
// steps are pushed as they are created and run in reverse.
type telemetry struct {
	logger      pslog.Logger
	metricsAddr net.Addr
	pprofAddr   net.Addr

	mu        sync.Mutex
	teardowns []namedTeardown
}

type namedTeardown struct {
	name string
	fn   func(context.Context) error
}

func (t *telemetry) push(name string, fn func(context.Context) error) {
	t.mu.Lock()
	t.teardowns = append(t.teardowns, namedTeardown{name: name, fn: fn})
	t.mu.Unlock()
}

// Shutdown flushes exporters and stops the debug listeners.
func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	steps := t.teardowns
	t.teardowns = nil
	t.mu.Unlock()
	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].fn(ctx); err != nil {
			t.logger.Warn("telemetry.shutdown.failed", "component", steps[i].name, "error", err)
			errs = append(errs, fmt.Errorf("%s shutdown: %w", steps[i].name, err))
		}
	}
	if len(errs) == 0 && len(steps) > 0 {
		t.logger.Debug("telemetry.shutdown.complete")
	}
	return errors.Join(errs...)
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

func startTelemetry(ctx context.Context, opts telemetryOptions, logger pslog.Logger) (_ *telemetry, err error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	base := logger
	logger = svcfields.WithSubsystem(base, "telemetry")
	t := &telemetry{logger: logger}
	if opts.empty() {
		return t, nil
	}
	defer func() {
		if err != nil {
			_ = t.Shutdown(context.Background())
		}
	}()

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("ramutex"),
			semconv.ServiceVersion(version.Current()),
			semconv.ServiceInstanceID(opts.runID),
			attribute.Int("ramutex.peer.id", opts.peerID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if opts.endpoint != "" {
		target, err := resolveOTLPTarget(opts.endpoint)
		if err != nil {
			return nil, err
		}
		exporter, err := newTraceExporter(ctx, target)
		if err != nil {
			return nil, err
		}
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(provider)
		t.push("trace", provider.Shutdown)
		logger.Info("telemetry.tracing.enabled", "protocol", target.protocol, "endpoint", target.endpoint, "insecure", target.insecure)
	}

	if opts.metricsListen != "" {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if opts.profilingMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(provider)
		t.push("metric", provider.Shutdown)
		if opts.profilingMetrics {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
			})
			if runtimeMetricsErr != nil {
				return nil, fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr)
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		addr, stop, err := serveHTTP("metrics", opts.metricsListen, mux, base)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		t.metricsAddr = addr
		t.push("metrics server", stop)
		logger.Info("telemetry.metrics.enabled", "listen", addr.String())
	} else if opts.profilingMetrics {
		return nil, errors.New("telemetry: profiling metrics require metrics listen address")
	}

	if opts.pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		addr, stop, err := serveHTTP("pprof", opts.pprofListen, mux, base)
		if err != nil {
			return nil, fmt.Errorf("profiling: %w", err)
		}
		t.pprofAddr = addr
		t.push("pprof server", stop)
		logger.Info("profiling.pprof.enabled", "listen", addr.String())
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return t, nil
}

// serveHTTP binds addr and serves handler until the returned stop func runs.
func serveHTTP(name, addr string, handler http.Handler, logger pslog.Logger) (net.Addr, func(context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("%s listen %s: %w", name, addr, err)
	}
	logger = svcfields.WithSubsystem(logger, svcfields.Subsystem("http", name))
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http.serve_error", "error", err)
		}
	}()
	stop := func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	return ln.Addr(), stop, nil
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

func newTraceExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(exporterTimeout),
		}
		if target.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (grpc): %w", err)
		}
		return exporter, nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(exporterTimeout),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (http): %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
}

// resolveOTLPTarget maps an endpoint string to exporter settings. A bare
// host[:port] means insecure gRPC.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, errors.New("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	var (
		target      otlpTarget
		defaultPort string
	)
	switch strings.ToLower(u.Scheme) {
	case "grpc":
		target, defaultPort = otlpTarget{protocol: "grpc", insecure: true}, "4317"
	case "grpcs":
		target, defaultPort = otlpTarget{protocol: "grpc"}, "4317"
	case "http":
		target, defaultPort = otlpTarget{protocol: "http", insecure: true}, "4318"
	case "https":
		target, defaultPort = otlpTarget{protocol: "http"}, "4318"
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return otlpTarget{}, errors.New("telemetry: missing endpoint host")
	}
	target.endpoint = u.Host
	if u.Port() == "" {
		target.endpoint = net.JoinHostPort(u.Hostname(), defaultPort)
	}
	target.path = strings.TrimSuffix(u.Path, "/")
	return target, nil
}
