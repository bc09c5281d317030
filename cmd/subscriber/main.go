package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hugolhafner/go-subscriber/internal/config"
	"github.com/hugolhafner/go-subscriber/kafka"
	"github.com/hugolhafner/go-subscriber/logger"
	"github.com/hugolhafner/go-subscriber/otel"
	"github.com/hugolhafner/go-subscriber/plugins/zaplogger"
	"github.com/hugolhafner/go-subscriber/subscriber"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	level, _ := cfg.Level()
	zl, err := newZap(level)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	l := zaplogger.New(zl)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := kafka.NewKgoClient(cfg.KafkaOptions(l, reg)...)
	if err != nil {
		return err
	}

	opts := cfg.SubscriberOptions(l, otel.Noop())
	var sub *subscriber.Subscriber
	if cfg.AssignMode {
		sub = subscriber.NewAssign(client, opts...)
	} else {
		sub = subscriber.New(client, opts...)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, l)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := sub.Start(ctx); err != nil {
		return err
	}

	consume(ctx, sub, l)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sub.Stop(stopCtx); err != nil {
		l.Warn("Subscriber did not stop cleanly", "error", err)
	}

	return sub.Err()
}

// consume logs and commits every message until ctx is done or the subscriber
// stops on its own.
func consume(ctx context.Context, sub *subscriber.Subscriber, l logger.Logger) {
	for {
		m, err := sub.RequestNext(ctx, 0)
		switch {
		case errors.Is(err, subscriber.ErrRequestTimeout):
			continue
		case err != nil:
			l.Info("Consumer stopping", "reason", err)
			return
		}

		l.Info(
			"Message",
			"topic", m.Record.Topic,
			"partition", m.Record.Partition,
			"offset", m.Record.Offset,
			"key", string(m.Record.Key),
			"value", string(m.Record.Value),
		)

		if !sub.Commit(ctx, m.Handle) {
			l.Warn("Message not committed, it will be redelivered", "offset", m.Record.Offset)
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, l logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("Metrics server failed", "error", err)
		}
	}()

	return srv
}

func newZap(level logger.LogLevel) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zapLevel(level))
	return zc.Build()
}

func zapLevel(level logger.LogLevel) zapcore.Level {
	switch level {
	case logger.DebugLevel:
		return zap.DebugLevel
	case logger.WarnLevel:
		return zap.WarnLevel
	case logger.ErrorLevel:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
