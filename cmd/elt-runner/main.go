// Package main elt-runner 入口
//
// 用法：
//
//	elt-runner [--config DIR] run <pipeline> [--full-refresh]
//	elt-runner [--config DIR] jobs [--pipeline NAME] [--stale] [--limit N]
//	elt-runner [--config DIR] unlock <pipeline> --operator NAME --reason TEXT --yes
//	elt-runner [--config DIR] state get|clear <state_id>
//	elt-runner [--config DIR] logs <run_id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"elt-runner/internal/config"
	"elt-runner/internal/job"
	"elt-runner/internal/shared/infra"
	"elt-runner/pkg/logging"
)

// 退出码
const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitContention = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	global := flag.NewFlagSet("elt-runner", flag.ContinueOnError)
	configDir := global.String("config", "", "配置文件目录")
	global.Usage = usage
	if err := global.Parse(args); err != nil {
		return exitUsage
	}
	if *configDir != "" {
		config.SetConfigDir(*configDir)
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage()
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return exitFailure
	}
	logger := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		Component: "elt-runner",
	})
	logger.Debug("Config loaded", "config", cfg.String(), "file", cfg.ConfigFilePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Warn("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	ifr, err := infra.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize infrastructure", "error", err)
		return exitFailure
	}
	defer ifr.Close()

	a := &app{
		cfg:    cfg,
		infra:  ifr,
		logger: logger,
		jobs:   job.NewManager(ifr.Jobs, logger.Named("job"), job.WithStaleThreshold(cfg.Runner.StaleThreshold)),
	}

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "run":
		stop := a.serveMetrics()
		defer stop()
		err = a.runPipeline(ctx, cmdArgs)
	case "jobs":
		err = a.listJobs(ctx, cmdArgs)
	case "unlock":
		err = a.unlock(ctx, cmdArgs)
	case "state":
		err = a.state(ctx, cmdArgs)
	case "logs":
		err = a.logs(ctx, cmdArgs)
	default:
		usage()
		return exitUsage
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var usageErr *usageError
	var contention *job.LockContentionError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usageErr):
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	case errors.As(err, &contention):
		fmt.Fprintln(os.Stderr, err)
		return exitContention
	default:
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
}

// serveMetrics 配置了 metrics.addr 时暴露 /metrics
func (a *app) serveMetrics() func() {
	if a.cfg.Metrics.Addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:         a.cfg.Metrics.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		a.logger.Info("Metrics listening", "addr", a.cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("Metrics server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func (a *app) registry() *prometheus.Registry {
	if a.reg == nil {
		a.reg = prometheus.NewRegistry()
		a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return a.reg
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: elt-runner [--config DIR] <command> [args]

Commands:
  run <pipeline> [--full-refresh] [--trigger manual|schedule]
  jobs [--pipeline NAME] [--stale] [--limit N]
  unlock <pipeline> --operator NAME --reason TEXT --yes
  state get|clear <state_id>
  logs <run_id> [--count N]
`)
}
