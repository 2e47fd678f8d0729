package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	insights "github.com/NuGet/Insights-sub012"
	"github.com/NuGet/Insights-sub012/config"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	headless := flag.Bool("headless", false, "work the queues without a console")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ins, err := insights.Open(ctx, insights.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		_ = ins.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		if err := ins.RegisterMetrics(reg); err != nil {
			return err
		}
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	workCtx, stopWork := context.WithCancel(gctx)
	g.Go(func() error {
		return ins.Pool().Run(workCtx)
	})
	if cfg.Scan.AutoUpdate {
		g.Go(func() error {
			return ins.Updater().Run(workCtx)
		})
	}

	if !*headless {
		g.Go(func() error {
			defer stopWork()
			return console(workCtx, ins)
		})
	}
	<-workCtx.Done()
	stopWork()
	stop()
	return g.Wait()
}

func newLogger(cfg config.LogConfig) (*utils.ZapLogger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	z, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return utils.NewZapLogger(z), nil
}

func console(ctx context.Context, ins *insights.Insights) error {
	repl := REPL{ins: ins}
	if err := repl.Open(); err != nil {
		return err
	}
	defer repl.Close()
	go func() {
		<-ctx.Done()
		repl.Close()
	}()
	for ctx.Err() == nil {
		err := repl.REPL(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintln(os.Stdout, err.Error())
		}
	}
	return nil
}
