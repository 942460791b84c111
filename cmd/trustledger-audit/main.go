package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/internhub/trustledger/internal/app"
	"github.com/internhub/trustledger/internal/config"
	"github.com/internhub/trustledger/internal/logging"
	"github.com/internhub/trustledger/internal/protocol"
	"github.com/internhub/trustledger/internal/storage"
)

// Exit codes: 0 all chains valid, 1 the audit could not complete or a
// subject could not be checked, 2 at least one chain is broken.
func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("trustledger-audit", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "configs/trustledger.yaml", "path to ledger config")
	subjectType := flags.String("subject-type", "", "audit a single subject of this type (requires -subject-id)")
	subjectID := flags.String("subject-id", "", "audit a single subject")
	concurrency := flags.Int("concurrency", 8, "subjects verified in parallel")
	rebuild := flags.Bool("rebuild", false, "replay valid chains and rewrite stored profiles, reporting drift")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	fail := func(step string, err error) int {
		fmt.Fprintf(stderr, "%s: %v\n", step, err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fail("load config", err)
	}
	logger := logging.NewJSONLoggerTo(stderr, logging.ParseLevel(cfg.Logging.Level))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, store, err := app.BuildLedger(ctx, cfg, logger)
	if err != nil {
		return fail("open ledger", err)
	}
	defer store.Close()

	var subjects []storage.SubjectRef
	if *subjectID != "" {
		st, ok := protocol.ParseSubjectType(*subjectType)
		if !ok {
			return fail("parse flags", fmt.Errorf("-subject-type %q is not a known subject type", *subjectType))
		}
		subjects = []storage.SubjectRef{{SubjectType: st, SubjectID: *subjectID}}
	} else {
		subjects, err = svc.ListSubjects(ctx)
		if err != nil {
			return fail("list subjects", err)
		}
	}

	report, err := app.RunAudit(ctx, svc, subjects, app.AuditOptions{Concurrency: *concurrency, Rebuild: *rebuild})
	if err != nil {
		return fail("run audit", err)
	}
	logger.Info("audit complete",
		slog.Int("checked", report.Checked),
		slog.Int("broken", report.Broken),
		slog.Int("drifted", report.Drifted),
		slog.Int("failed", report.Failed),
	)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fail("write report", err)
	}
	switch {
	case report.Broken > 0:
		return 2
	case report.Failed > 0:
		return 1
	}
	return 0
}
