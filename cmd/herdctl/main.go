// Command herdctl runs a fleet of autonomous agents from a declarative YAML
// configuration: it resolves the fleet, schedules agent jobs, supervises
// their runtimes, and persists every job's metadata and output under the
// state directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"goa.design/herdctl/events"
	"goa.design/herdctl/fleet"
	"goa.design/herdctl/runtime"
	"goa.design/herdctl/runtime/claude"
	"goa.design/herdctl/runtime/cli"
	"goa.design/herdctl/state"
)

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 configuration error.
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

const defaultModel = "claude-sonnet-4-5"

func main() {
	var (
		configF   = flag.String("config", "fleet.yaml", "fleet configuration file or directory")
		stateF    = flag.String("state-dir", "", "state directory (default $HERDCTL_STATE_DIR or ./.herdctl)")
		modelF    = flag.String("model", defaultModel, "default model for agents that do not set one")
		graceF    = flag.Duration("shutdown-grace", 30*time.Second, "how long to wait for running jobs on shutdown")
		debugF    = flag.Bool("debug", false, "enable debug logging")
		verboseF  = flag.Bool("verbose", false, "stream fleet events to the log")
		cliOnlyF  = flag.Bool("cli-only", false, "register only the cli runtime (no API key needed)")
		claudeBin = flag.String("claude-bin", "", "claude executable for the cli runtime")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx = log.With(ctx, log.KV{K: "svc", V: "herdctl"})

	os.Exit(run(ctx, options{
		configPath: *configF,
		stateDir:   *stateF,
		model:      *modelF,
		grace:      *graceF,
		verbose:    *verboseF,
		cliOnly:    *cliOnlyF,
		claudeBin:  *claudeBin,
	}))
}

type options struct {
	configPath string
	stateDir   string
	model      string
	grace      time.Duration
	verbose    bool
	cliOnly    bool
	claudeBin  string
}

func run(ctx context.Context, opts options) int {
	runtimes, err := buildRuntimes(opts)
	if err != nil {
		log.Errorf(ctx, err, "runtime setup failed")
		return exitConfig
	}

	mopts := []fleet.ManagerOption{fleet.WithRuntimes(runtimes)}
	if opts.stateDir != "" {
		store, err := state.NewFileStore(opts.stateDir)
		if err != nil {
			log.Errorf(ctx, err, "state directory %s", opts.stateDir)
			return exitError
		}
		mopts = append(mopts, fleet.WithStore(store))
	}

	mgr, err := fleet.New(opts.configPath, mopts...)
	if err != nil {
		log.Errorf(ctx, err, "manager setup failed")
		return exitError
	}
	if err := mgr.Initialize(ctx); err != nil {
		log.Errorf(ctx, err, "fleet configuration at %s is invalid", opts.configPath)
		return exitConfig
	}

	if opts.verbose {
		go logEvents(ctx, mgr.StreamLogs())
	}

	if err := mgr.Start(ctx); err != nil {
		log.Errorf(ctx, err, "fleet start failed")
		return exitError
	}
	log.Info(ctx, log.KV{K: "msg", V: "fleet running"}, log.KV{K: "config", V: opts.configPath})

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigc
		if sig == syscall.SIGHUP {
			if _, err := mgr.Reload(ctx); err != nil {
				log.Errorf(ctx, err, "reload failed, previous config stays active")
			}
			continue
		}
		break
	}

	// Second interrupt aborts the graceful wait.
	stopCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-sigc
		log.Info(ctx, log.KV{K: "msg", V: "second signal, aborting graceful shutdown"})
		cancel()
	}()
	defer cancel()

	log.Info(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "grace", V: opts.grace.String()})
	if err := mgr.Stop(stopCtx, fleet.StopOptions{WaitForJobs: true, Timeout: opts.grace}); err != nil {
		log.Errorf(ctx, err, "shutdown incomplete")
		return exitError
	}
	return exitOK
}

// buildRuntimes registers the sdk and cli adapters. The sdk adapter needs
// ANTHROPIC_API_KEY; with -cli-only only the cli adapter is registered.
func buildRuntimes(opts options) (runtime.Registry, error) {
	reg := runtime.Registry{
		"cli": cli.New(cli.Options{Binary: opts.claudeBin}),
	}
	if opts.cliOnly {
		return reg, nil
	}
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set (use -cli-only to run without it)")
	}
	sdk, err := claude.NewFromAPIKey(key, claude.Options{DefaultModel: opts.model})
	if err != nil {
		return nil, err
	}
	reg["sdk"] = sdk
	return reg, nil
}

// logEvents mirrors fleet events onto the process log.
func logEvents(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for e := range sub.Events() {
		log.Info(ctx, log.KV{K: "event", V: string(e.Topic())}, log.KV{K: "agent", V: e.Agent()})
	}
}
