package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"elt-runner/internal/config"
	"elt-runner/internal/elt"
	"elt-runner/internal/invoker"
	"elt-runner/internal/job"
	"elt-runner/internal/shared/infra"
	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"
	"elt-runner/pkg/logging"
	"elt-runner/pkg/plugin"
)

type app struct {
	cfg    *config.Config
	infra  *infra.Infrastructure
	logger *logging.Logger
	jobs   *job.Manager
	reg    *prometheus.Registry
}

type usageError struct {
	msg string
}

func (e *usageError) Error() string { return "usage: " + e.msg }

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// parseInterleaved 允许位置参数出现在选项之前
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, &usageError{msg: err.Error()}
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// ============================================================================
// run
// ============================================================================

func (a *app) runPipeline(ctx context.Context, args []string) error {
	fs := newFlagSet("run")
	fullRefresh := fs.Bool("full-refresh", false, "忽略已存状态，从头同步")
	trigger := fs.String("trigger", elt.TriggerManual, "触发来源：manual 或 schedule")
	stateID := fs.String("state-id", "", "覆盖状态存储键")
	pos, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return &usageError{msg: "run <pipeline> [--full-refresh]"}
	}

	catalog, err := plugin.LoadCatalog(a.cfg.CatalogPath)
	if err != nil {
		return err
	}
	p, err := elt.PipelineFromCatalog(catalog, pos[0])
	if err != nil {
		return err
	}
	if *fullRefresh {
		p.FullRefresh = true
	}
	if *stateID != "" {
		p.StateID = *stateID
	}
	p.Trigger = *trigger

	inv := invoker.New(invoker.Config{RunDir: a.cfg.Runner.WorkDir},
		plugin.NewLayeredResolver(catalog.Registry(), nil), a.logger.Named("invoker"))

	opts := []elt.Option{elt.WithMetrics(elt.NewMetrics(a.registry()))}
	if stream := a.infra.LogStream(a.cfg); stream != nil {
		opts = append(opts, elt.WithLogAppender(stream))
	}
	if archiver := a.infra.Archiver(a.cfg); archiver != nil {
		opts = append(opts, elt.WithArchiver(archiver))
	}
	runner := elt.NewRunner(elt.Config{
		LogDir:             a.cfg.Runner.LogDir,
		HeartbeatInterval:  a.cfg.Runner.HeartbeatInterval,
		CheckpointInterval: a.cfg.Runner.CheckpointInterval,
		TerminationGrace:   a.cfg.Runner.TerminationGrace,
		BufferSize:         a.cfg.Runner.BufferSize,
		MaxLineBytes:       a.cfg.Runner.MaxLineBytes,
		MaxStateBytes:      a.cfg.Runner.MaxStateBytes,
	}, a.jobs, a.infra.States, inv, a.logger, opts...)

	res, err := runner.Run(ctx, p)
	if res == nil {
		return err
	}
	fmt.Printf("run_id=%s job=%s state=%s duration=%s\n", res.RunID, res.JobName, res.State, res.Duration.Round(time.Millisecond))
	for _, b := range res.Blocks {
		fmt.Printf("  block=%s exit=%d\n", b.Name, b.ExitCode)
	}
	if res.StateVersion != "" {
		fmt.Printf("  state_version=%s\n", res.StateVersion)
	}
	if res.LogPath != "" {
		fmt.Printf("  log=%s\n", res.LogPath)
	}
	if res.ArchiveKey != "" {
		fmt.Printf("  archive=%s\n", res.ArchiveKey)
	}
	return err
}

// ============================================================================
// jobs
// ============================================================================

func (a *app) listJobs(ctx context.Context, args []string) error {
	fs := newFlagSet("jobs")
	pipeline := fs.String("pipeline", "", "按 pipeline 过滤")
	staleOnly := fs.Bool("stale", false, "只列出心跳超时的 RUNNING 作业")
	limit := fs.Int("limit", 20, "最多列出的条数")
	if _, err := parseInterleaved(fs, args); err != nil {
		return err
	}

	var jobs []*model.Job
	var err error
	if *staleOnly {
		jobs, err = a.jobs.ListStale(ctx)
	} else {
		jobs, err = a.jobs.Store().ListJobs(ctx, storage.JobFilter{JobName: *pipeline, Limit: *limit})
	}
	if err != nil {
		return err
	}

	now := time.Now()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tJOB\tSTATE\tTRIGGER\tSTARTED\tHEARTBEAT AGE\tCAUSE")
	for _, j := range jobs {
		if *staleOnly && *pipeline != "" && j.JobName != *pipeline {
			continue
		}
		started, age := "-", "-"
		if j.StartedAt != nil {
			started = j.StartedAt.Local().Format(time.DateTime)
		}
		if j.State == model.JobStateRunning {
			age = j.HeartbeatAge(now).Round(time.Second).String()
			if a.jobs.IsStale(j, 0) {
				age += " (stale)"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.JobName, j.State, j.Trigger, started, age, j.Cause)
	}
	return tw.Flush()
}

// ============================================================================
// unlock
// ============================================================================

func (a *app) unlock(ctx context.Context, args []string) error {
	fs := newFlagSet("unlock")
	operator := fs.String("operator", os.Getenv("USER"), "操作员")
	reason := fs.String("reason", "", "释放原因")
	yes := fs.Bool("yes", false, "确认强制释放")
	pos, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return &usageError{msg: "unlock <pipeline> --operator NAME --reason TEXT --yes"}
	}

	released, err := a.jobs.ForceRelease(ctx, job.ReleaseRequest{
		JobName:  pos[0],
		Operator: *operator,
		Reason:   *reason,
		Confirm:  *yes,
	})
	if errors.Is(err, job.ErrConfirmationRequired) {
		return &usageError{msg: "unlock requires --yes and --operator"}
	}
	if err != nil {
		return err
	}
	fmt.Printf("released job %s (%s): %s\n", released.ID, released.JobName, released.Cause)
	return nil
}

// ============================================================================
// state
// ============================================================================

func (a *app) state(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return &usageError{msg: "state get|clear <state_id>"}
	}
	action, id := args[0], args[1]
	switch action {
	case "get":
		entry, err := a.infra.States.GetState(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no state stored for %s", id)
		}
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode state: %w", err)
		}
		fmt.Println(string(out))
		return nil
	case "clear":
		if err := a.infra.States.ClearState(ctx, id); err != nil {
			return err
		}
		a.logger.Info("State cleared", "state_id", id)
		return nil
	default:
		return &usageError{msg: "state get|clear <state_id>"}
	}
}

// ============================================================================
// logs
// ============================================================================

func (a *app) logs(ctx context.Context, args []string) error {
	fs := newFlagSet("logs")
	count := fs.Int64("count", 1000, "最多读取的行数")
	pos, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return &usageError{msg: "logs <run_id> [--count N]"}
	}
	stream := a.infra.LogStream(a.cfg)
	if stream == nil {
		return errors.New("log stream is not enabled (redis.log_stream)")
	}
	entries, err := stream.ReadLogs(ctx, pos[0], *count)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%v %v %v | %v\n", e["ts"], e["block"], e["stream"], e["text"])
	}
	return nil
}
