// sentryd - Insider threat detection for file-sharing platform audit logs
//
//	sentryd run                     Run the analysis daemon
//	sentryd ingest <file>           Ingest audit event payloads (JSON lines)
//	sentryd narratives [status]     List narratives
//	sentryd review <id>             Mark a narrative reviewed
//	sentryd confirm <id>            Confirm a reviewed narrative
//	sentryd dismiss <id>            Dismiss a reviewed narrative
//	sentryd migrate status          Show schema migration status
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentryd/internal/baseline"
	"sentryd/internal/classifier"
	"sentryd/internal/config"
	"sentryd/internal/engine"
	"sentryd/internal/ingest"
	"sentryd/internal/logging"
	"sentryd/internal/narrative"
	"sentryd/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = cmdRun(args)
	case "ingest":
		err = cmdIngest(args)
	case "narratives":
		err = cmdNarratives(args)
	case "review", "confirm", "dismiss":
		err = cmdTransition(cmd, args)
	case "migrate":
		err = cmdMigrate(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`sentryd - Insider threat detection for file-sharing audit logs

USAGE:
    sentryd <command> [options]

COMMANDS:
    run                 Run the analysis daemon
    ingest <file>       Ingest audit event payloads (one JSON object per line)
    narratives [status] List narratives (optionally: new, reviewed, confirmed, dismissed)
    review <id>         Mark a narrative reviewed
    confirm <id>        Confirm a reviewed narrative as a genuine incident
    dismiss <id>        Dismiss a reviewed narrative as a false positive
    migrate status      Show schema migration status
    help                Show this help message

The daemon scores incoming audit events against per-user behavioral
baselines and correlates anomalous activity into attack narratives for
analyst review. Configuration lives at ` + config.ConfigPath() + `
(override with -config).`)
}

// setup loads config, opens logging and storage. Every command starts here.
func setup(fs *flag.FlagSet, args []string) (*config.Config, *logging.Logger, *store.Store, error) {
	configPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}

	cfg, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, nil, err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logging: %w", err)
	}
	if created {
		log.Info("wrote default configuration", "path", config.ConfigPath())
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		log.Close()
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	return cfg, log, st, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "sentryd",
	})
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfg, log, st, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer st.Close()
	defer log.Close()
	logging.SetDefault(log)

	// A missing or incompatible model is a deployment fault; refuse to run.
	artifact, err := classifier.LoadArtifact(cfg.Model.Path)
	if err != nil {
		return fmt.Errorf("load model artifact from %s: %w", cfg.Model.Path, err)
	}
	threshold := artifact.Threshold
	if cfg.Model.ThresholdOverride != 0 {
		threshold = cfg.Model.ThresholdOverride
	}
	scorer, err := classifier.NewScorer(artifact, threshold)
	if err != nil {
		return err
	}
	log.Info("model artifact loaded",
		"path", cfg.Model.Path,
		"threshold", threshold,
		"trees", artifact.Hyperparameters.NEstimators,
	)

	eng := engine.New(
		st,
		baseline.NewTracker(st, baseline.Config{
			MassCleanupMultiplier: cfg.Baseline.MassCleanupMultiplier,
			MassCleanupFloor:      int64(cfg.Baseline.MassCleanupFloor),
			MinHourObservations:   int64(cfg.Baseline.MinHourObservations),
		}),
		scorer,
		narrative.NewCorrelator(st, narrative.Config{
			Window:             time.Duration(cfg.Correlation.WindowHours) * time.Hour,
			CorroborationBonus: cfg.Correlation.CorroborationBonus,
		}),
		engine.Config{
			BatchSize: cfg.Engine.BatchSize,
			Workers:   cfg.Engine.Workers,
		},
		log.WithComponent("engine").Logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(cfg.Engine.IntervalSec) * time.Second
	log.Info("daemon started", "interval", interval.String(), "db", cfg.Storage.Path)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Process whatever is already queued before the first tick
	if _, err := eng.ProcessPending(ctx); err != nil && ctx.Err() == nil {
		log.Error("analysis pass failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("daemon shutting down")
			return nil
		case <-ticker.C:
			if _, err := eng.ProcessPending(ctx); err != nil {
				if ctx.Err() != nil {
					log.Info("daemon shutting down")
					return nil
				}
				log.Error("analysis pass failed", "error", err)
			}
		}
	}
}

func cmdIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	_, log, st, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer st.Close()
	defer log.Close()

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: sentryd ingest <file>")
	}
	path := fs.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	in, err := ingest.New(st, log.WithComponent("ingest").Logger)
	if err != nil {
		return err
	}

	var payloads [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payloads = append(payloads, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	res, err := in.IngestBatch(payloads)
	if err != nil {
		return err
	}
	fmt.Printf("Accepted %d, duplicates %d, rejected %d\n",
		res.Accepted, res.Duplicates, res.Rejected)
	return nil
}

func cmdNarratives(args []string) error {
	fs := flag.NewFlagSet("narratives", flag.ExitOnError)
	_, log, st, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer st.Close()
	defer log.Close()

	var status store.NarrativeStatus
	if fs.NArg() > 0 {
		status = store.NarrativeStatus(fs.Arg(0))
	}

	narratives, err := st.ListNarratives(status, 100)
	if err != nil {
		return err
	}
	if len(narratives) == 0 {
		fmt.Println("No narratives.")
		return nil
	}

	for _, n := range narratives {
		fmt.Printf("%s  %-10s  %-18s  actor=%s  score=%.3f (%s)  %s .. %s\n",
			n.ID, n.Status, n.Type, n.ActorID,
			n.Score, narrative.ThreatLevel(n.Score),
			time.Unix(0, n.StartNs).UTC().Format(time.RFC3339),
			time.Unix(0, n.EndNs).UTC().Format(time.RFC3339),
		)
	}
	return nil
}

func cmdTransition(action string, args []string) error {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	_, log, st, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer st.Close()
	defer log.Close()

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: sentryd %s <narrative-id>", action)
	}
	id := fs.Arg(0)

	lc := narrative.NewLifecycle(st)
	switch action {
	case "review":
		err = lc.Review(id)
	case "confirm":
		err = lc.Confirm(id)
	case "dismiss":
		err = lc.Dismiss(id)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Narrative %s %sed\n", id, action)
	return nil
}

func cmdMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	_, log, st, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer st.Close()
	defer log.Close()

	if fs.NArg() < 1 || fs.Arg(0) != "status" {
		return fmt.Errorf("usage: sentryd migrate status")
	}

	status, err := store.GetMigrationStatus(st.DB())
	if err != nil {
		return err
	}

	fmt.Printf("Schema version %d of %d\n", status.CurrentVersion, status.LatestVersion)
	for _, m := range status.Applied {
		fmt.Printf("  applied  v%d  %s  (%s)\n",
			m.Version, m.Description, m.AppliedAt.UTC().Format(time.RFC3339))
	}
	for _, m := range status.Pending {
		fmt.Printf("  pending  v%d  %s\n", m.Version, m.Description)
	}
	return nil
}
