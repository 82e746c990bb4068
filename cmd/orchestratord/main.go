// Command orchestratord wires the Job Queue/Scheduler, Agent Events Runtime,
// Runtime-Process Supervisor, and Extension Audit Store into a single
// process, following the teacher's cmd/demo wiring style (construct the
// pieces, register definitions, start, run until signaled).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmillpps/codex-manager/audit"
	"github.com/jmillpps/codex-manager/events"
	"github.com/jmillpps/codex-manager/hooks/pulsehook"
	"github.com/jmillpps/codex-manager/jobdefs"
	"github.com/jmillpps/codex-manager/modeladapter/anthropic"
	"github.com/jmillpps/codex-manager/queue"
	"github.com/jmillpps/codex-manager/supervisor"
	"github.com/jmillpps/codex-manager/telemetry"
)

func main() {
	var (
		snapshotPath = flag.String("snapshot", "./data/queue-snapshot.json", "job queue snapshot file")
		auditPath    = flag.String("audit", "./data/audit.json", "extension audit log file")
		modulesDir   = flag.String("modules", "./extensions", "agent events extension modules directory")
		trustModeStr = flag.String("trust-mode", "warn", "extension capability trust mode: disabled|warn|enforced")
		redisAddr    = flag.String("redis-addr", "", "redis address for Pulse hook delivery; empty disables it")
		anthropicKey = flag.String("anthropic-api-key", os.Getenv("ANTHROPIC_API_KEY"), "Anthropic API key for suggest_reply")
		codexCommand = flag.String("codex-command", "codex", "runtime-process supervisor command to spawn")
	)
	flag.Parse()

	logger := telemetry.NewClueLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hooks, err := buildHooks(*redisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "orchestratord: build hooks:", err)
		os.Exit(1)
	}

	sched := queue.New(queue.Config{
		GlobalConcurrency:   8,
		MaxGlobal:           500,
		MaxPerProject:       50,
		BackgroundAging:     30 * time.Second,
		MaxInteractiveBurst: 3,
		SnapshotPath:        *snapshotPath,
	}, hooks, logger)

	if err := registerJobDefinitions(sched, *anthropicKey); err != nil {
		fmt.Fprintln(os.Stderr, "orchestratord: register job definitions:", err)
		os.Exit(1)
	}

	auditStore, err := audit.New(*auditPath, auditWarnLogger{logger})
	if err != nil {
		fmt.Fprintln(os.Stderr, "orchestratord: open audit store:", err)
		os.Exit(1)
	}

	trustMode := events.TrustMode(*trustModeStr)
	bus := events.NewBus(events.HostIdentity{CoreVersion: "1.0.0"})
	if result, err := bus.Reload(*modulesDir, trustMode); err != nil {
		logger.Warn(ctx, "initial extension module discovery failed", "error", err.Error())
	} else {
		if err := auditStore.Append(buildStartupAuditRecord(result, trustMode)); err != nil {
			logger.Warn(ctx, "failed to persist startup reload audit record", "error", err.Error())
		}
	}

	var sup *supervisor.Supervisor
	if *codexCommand != "" {
		sup = supervisor.New(supervisor.Config{
			Command: *codexCommand,
			DataDir: "./data/codex",
			LogDir:  "./data/codex/logs",
			Client:  supervisor.ClientInfo{Name: "orchestratord", Version: "1.0.0"},
		}, nil, logger)
		if err := sup.Start(ctx); err != nil {
			logger.Warn(ctx, "runtime-process supervisor failed to start", "error", err.Error())
			sup = nil
		}
	}

	if err := sched.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestratord: start scheduler:", err)
		os.Exit(1)
	}

	logger.Info(ctx, "orchestratord started",
		"snapshot", *snapshotPath, "audit", *auditPath, "trustMode", *trustModeStr)

	<-ctx.Done()
	logger.Info(ctx, "orchestratord shutting down")

	sched.Stop(10 * time.Second)
	if sup != nil {
		sup.Stop()
	}
}

func buildHooks(redisAddr string) (queue.Hooks, error) {
	if redisAddr == "" {
		return queue.NoopHooks{}, nil
	}
	client, err := pulsehook.NewClient(redis.NewClient(&redis.Options{Addr: redisAddr}), 0)
	if err != nil {
		return nil, err
	}
	return pulsehook.New(pulsehook.Options{Client: client})
}

func registerJobDefinitions(sched *queue.Scheduler, anthropicKey string) error {
	if anthropicKey != "" {
		modelClient, err := anthropic.NewFromAPIKey(anthropicKey, "claude-3-5-sonnet-latest")
		if err != nil {
			return fmt.Errorf("anthropic adapter: %w", err)
		}
		def := jobdefs.NewSuggestReply(modelClient)
		if err := sched.RegisterDefinition(&def); err != nil {
			return fmt.Errorf("register suggest_reply: %w", err)
		}
	}

	notify := func(rc *queue.RunContext, threadID, turnID, path, changeKind string) error {
		rc.EmitProgress(map[string]any{"path": path, "changeKind": changeKind})
		return nil
	}
	reactDef := jobdefs.NewReactToFileChange(notify)
	if err := sched.RegisterDefinition(&reactDef); err != nil {
		return fmt.Errorf("register react_to_file_change: %w", err)
	}
	return nil
}

// buildStartupAuditRecord turns the outcome of the startup module-discovery
// reload into a full spec §3 Reload Audit Record. There is no external-API
// caller for this reload (it runs before the process accepts any requests),
// so actorRole is "system" and actorId/requestOrigin are left unset.
func buildStartupAuditRecord(result *events.ReloadResult, trustMode events.TrustMode) audit.Record {
	before, _ := json.Marshal(result.Before)
	after, _ := json.Marshal(result.After)

	reloadResult := audit.ResultSuccess
	var errorSummary string
	if len(result.Errors) > 0 {
		reloadResult = audit.ResultFailed
		errorSummary = strings.Join(result.Errors, "; ")
	}

	impacted := result.ImpactedExtensions
	if impacted == nil {
		impacted = []string{}
	}

	return audit.Record{
		ReloadID:           "startup",
		RecordedAt:         time.Now().UTC(),
		ActorRole:          "system",
		Result:             reloadResult,
		SnapshotBefore:     before,
		SnapshotAfter:      after,
		TrustMode:          string(trustMode),
		ErrorSummary:       errorSummary,
		ImpactedExtensions: impacted,
	}
}

// auditWarnLogger adapts telemetry.Logger to the ctx-free warning logger
// audit.New expects, binding a background context for the call since the
// audit store has no per-call context of its own to thread through.
type auditWarnLogger struct {
	logger telemetry.Logger
}

func (a auditWarnLogger) Warn(msg string, keyvals ...any) {
	a.logger.Warn(context.Background(), msg, keyvals...)
}
