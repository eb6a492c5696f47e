// Command conclave runs a hierarchy of agents that decide every step by
// consensus across a pool of language models.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"conclave/internal/kernel"
	"conclave/pkg/agent"
	"conclave/pkg/budget"
	"conclave/pkg/config"
	"conclave/pkg/eventbus"
	"conclave/pkg/metrics"
	"conclave/pkg/preflight"
	"conclave/pkg/proto"
	"conclave/pkg/statusapi"
	"conclave/pkg/version"
)

func main() {
	var (
		configPath  = flag.String("config", "conclave.yaml", "Path to the YAML or JSON configuration file")
		task        = flag.String("task", "", "Task for a new root agent")
		budgetFlag  = flag.String("budget", "", "Budget of the root agent (empty for unlimited)")
		restore     = flag.Bool("restore", false, "Relaunch persisted agents that have not finished")
		metricsDump = flag.String("metrics-dump", "", "Write metrics in text format to this file on exit (- for stdout)")
		showVersion = flag.Bool("version", false, "Show version information")
		noPreflight = flag.Bool("skip-preflight", false, "Skip the provider credential and reachability checks")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	os.Exit(run(*configPath, *task, *budgetFlag, *restore, *noPreflight, *metricsDump))
}

// run contains the main logic and returns an exit code, so defers run before os.Exit.
func run(configPath, task, budgetFlag string, restore, skipPreflight bool, metricsDump string) int {
	rootBudget, err := parseBudget(budgetFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -budget: %v\n", err)
		return 2
	}
	if task == "" && !restore {
		fmt.Fprintln(os.Stderr, "Nothing to do: pass -task, -restore or both")
		return 2
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = logFormat(term.IsTerminal(int(os.Stderr.Fd())))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !skipPreflight {
		if err := preflight.Validate(ctx, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Preflight checks failed:\n%v\n", err)
			return 1
		}
	}

	k, err := kernel.NewKernel(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		return 1
	}
	if err := k.Start(restore); err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		_ = k.Stop(context.Background())
		return 1
	}

	if cfg.API.Enabled {
		opts := []statusapi.Option{statusapi.WithUsage(k.Usage), statusapi.WithGatherer(k.Registry)}
		if k.UsageQuery != nil {
			opts = append(opts, statusapi.WithPrometheusQuery(k.UsageQuery))
		}
		server := statusapi.NewServer(k.Supervisor, opts...)
		go func() {
			if err := server.ListenAndServe(k.Context(), cfg.API.Listen); err != nil {
				k.Logger.Error("%v", err)
			}
		}()
	}

	printer := newPrinter(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
	go printer.run(k.Operator.Events())

	var rootDone <-chan struct{}
	if task != "" {
		root, err := k.Supervisor.Launch(ctx, &agent.Options{Task: task, Budget: rootBudget})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start root agent: %v\n", err)
			_ = k.Stop(context.Background())
			return 1
		}
		fmt.Printf("Root agent %s started\n", root.GetID())
		if !cfg.API.Enabled {
			rootDone = root.Done()
		}
	}

	select {
	case <-ctx.Done():
		fmt.Println("Shutting down...")
	case <-rootDone:
	}

	exitCode := 0
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Agents.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := k.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown incomplete: %v\n", err)
		exitCode = 1
	}
	printer.wait()

	if metricsDump != "" {
		if err := dumpMetrics(metricsDump, k); err != nil {
			fmt.Fprintf(os.Stderr, "Metrics dump failed: %v\n", err)
			exitCode = 1
		}
	}
	return exitCode
}

func parseBudget(raw string) (budget.Ledger, error) {
	if raw == "" {
		return budget.Unlimited(), nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return budget.Ledger{}, fmt.Errorf("parsing %q: %w", raw, err)
	}
	if d.IsNegative() {
		return budget.Ledger{}, errors.New("budget must not be negative")
	}
	return budget.NewRoot(d), nil
}

func logFormat(interactive bool) string {
	if interactive {
		return "text"
	}
	return "json"
}

func dumpMetrics(path string, k *kernel.Kernel) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
		defer f.Close()
		w = f
	}
	return metrics.WriteText(w, k.Registry) //nolint:wrapcheck // already descriptive
}

// printer writes operator-facing events to the console.
type printer struct {
	out   io.Writer
	done  chan struct{}
	color bool
}

func newPrinter(out io.Writer, color bool) *printer {
	return &printer{out: out, color: color, done: make(chan struct{})}
}

func (p *printer) run(events <-chan eventbus.Event) {
	defer close(p.done)
	for ev := range events {
		if line, ok := p.format(&ev); ok {
			fmt.Fprintln(p.out, line)
		}
	}
}

// wait blocks until the event channel is closed, or briefly if it never is.
func (p *printer) wait() {
	select {
	case <-p.done:
	case <-time.After(time.Second):
	}
}

func (p *printer) format(ev *eventbus.Event) (string, bool) {
	switch ev.Type {
	case eventbus.TypeOperatorMessage:
		content, _ := ev.Data["content"].(string)
		label := "message"
		if kind, _ := ev.Data["type"].(string); kind == string(proto.MsgTypeRESULT) {
			label = "result"
		}
		if p.color {
			return fmt.Sprintf("\033[1m📨 %s from %s\033[0m\n%s", label, ev.AgentID, content), true
		}
		return fmt.Sprintf("[%s from %s]\n%s", label, ev.AgentID, content), true
	case eventbus.TypeStarted:
		return fmt.Sprintf("  agent %s started", ev.AgentID), true
	case eventbus.TypeTerminated:
		return fmt.Sprintf("  agent %s stopped", ev.AgentID), true
	default:
		return "", false
	}
}
