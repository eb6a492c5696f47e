// Package kernel owns the shared infrastructure of a conclave process:
// metrics, persistence, the event bus, the model pool, the consensus engine,
// the dispatcher and the supervisor. It builds them in dependency order and
// tears them down in reverse.
package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"conclave/internal/supervisor"
	"conclave/pkg/agent"
	"conclave/pkg/agent/llm"
	llmmetrics "conclave/pkg/agent/middleware/metrics"
	"conclave/pkg/config"
	"conclave/pkg/consensus"
	"conclave/pkg/contextmgr"
	"conclave/pkg/dispatch"
	"conclave/pkg/eventbus"
	"conclave/pkg/logx"
	"conclave/pkg/metrics"
	"conclave/pkg/persistence"
)

// Recorder is everything the kernel reports metrics through.
type Recorder interface {
	llmmetrics.Recorder
	consensus.Recorder
	agent.Recorder
}

// Option customises kernel construction.
type Option func(*Kernel)

// WithRawClientFunc replaces the provider adapters of the model pool.
func WithRawClientFunc(fn agent.RawClientFunc) Option {
	return func(k *Kernel) { k.rawClient = fn }
}

// WithStore uses store instead of opening the configured one.
func WithStore(store persistence.Store) Option {
	return func(k *Kernel) { k.baseStore = store }
}

// Kernel holds the process-wide services.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // kernel lifecycle
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Registry   *prometheus.Registry
	Metrics    Recorder
	Usage      *llmmetrics.InternalRecorder
	UsageQuery *metrics.QueryService // nil unless a prometheus url is configured

	Store    *persistence.Writer
	Events   eventbus.Destination
	Operator *eventbus.ChannelDestination // operator-facing events, read by the CLI

	Pool       *llm.Pool
	Engine     *consensus.Engine
	Dispatcher *dispatch.Dispatcher
	Supervisor *supervisor.Supervisor

	rawClient agent.RawClientFunc
	baseStore persistence.Store
	durable   eventbus.Destination
	running   bool
}

// NewKernel builds every service from cfg. Nothing runs until Start.
func NewKernel(parent context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}
	for _, opt := range opts {
		opt(k)
	}

	if err := k.initializeServices(); err != nil {
		cancel()
		k.closePartial()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices() error {
	if err := logx.Configure(logx.Options{Level: k.Config.Logging.Level, JSON: k.Config.Logging.Format == "json"}); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	k.initializeMetrics()

	if err := k.initializeStore(); err != nil {
		return err
	}
	if err := k.initializeEvents(); err != nil {
		return err
	}
	if err := k.initializeEngine(); err != nil {
		return err
	}

	k.Dispatcher = dispatch.NewDispatcher()
	k.Supervisor = supervisor.New(agent.Deps{
		Engine:   k.Engine,
		Store:    k.Store,
		Events:   k.Events,
		Recorder: k.Metrics,
		Config:   k.Config,
	}, k.Dispatcher)

	k.Logger.Info("Kernel services initialized (%d models)", len(k.Config.Models))
	return nil
}

func (k *Kernel) initializeMetrics() {
	k.Registry = prometheus.NewRegistry()
	k.Usage = llmmetrics.NewInternalRecorder()
	if !k.Config.Metrics.Enabled {
		k.Metrics = metrics.Nop{}
		return
	}
	k.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	k.Metrics = metrics.NewPrometheusRecorder(k.Registry)

	if url := k.Config.Metrics.PrometheusURL; url != "" {
		q, err := metrics.NewQueryService(url)
		if err != nil {
			k.Logger.Warn("Prometheus queries disabled: %v", err)
			return
		}
		k.UsageQuery = q
	}
}

func (k *Kernel) initializeStore() error {
	store := k.baseStore
	if store == nil {
		var err error
		store, err = persistence.Open(k.ctx, &k.Config.Persistence)
		if err != nil {
			return fmt.Errorf("failed to open persistence: %w", err)
		}
	}
	k.Store = persistence.NewWriter(store, 0)
	k.Logger.Info("Persistence ready (driver %q)", k.Config.Persistence.Driver)
	return nil
}

func (k *Kernel) initializeEvents() error {
	var durable []eventbus.Destination
	if dir := k.Config.Events.JSONLDir; dir != "" {
		jsonl, err := eventbus.NewJSONLDestination(dir)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		durable = append(durable, jsonl)
	}
	if len(k.Config.Events.Kafka.Brokers) > 0 {
		kafka, err := eventbus.NewKafkaDestination(&k.Config.Events.Kafka)
		if err != nil {
			_ = eventbus.NewFanout(durable...).Close()
			return fmt.Errorf("failed to connect event stream: %w", err)
		}
		durable = append(durable, kafka)
	}
	k.durable = eventbus.NewFanout(durable...)
	if k.durable != nil {
		logx.AddHook(eventbus.NewLogHook(k.durable, logrus.WarnLevel))
	}

	k.Operator = eventbus.NewChannelDestination(k.Config.Events.ChannelBuffer)
	k.Events = eventbus.NewFanout(k.Operator, k.durable)
	return nil
}

func (k *Kernel) initializeEngine() error {
	usage := llmmetrics.Tee(k.Metrics, k.Usage)
	factory := agent.NewLLMClientFactory(k.Config, usage)
	if k.rawClient != nil {
		factory.WithRawClientFunc(k.rawClient)
	}
	pool, err := factory.CreatePool()
	if err != nil {
		return fmt.Errorf("failed to build model pool: %w", err)
	}
	k.Pool = pool

	condenser := contextmgr.NewController(k.Config.Condensation, contextmgr.NewLLMReflector(pool), nil)
	driver := consensus.NewDriver(pool, condenser, consensus.SpecsFromConfig(k.Config.Models), k.Config.Consensus, k.Metrics)
	k.Engine = consensus.NewEngine(driver, k.Config.Consensus, k.Metrics)
	return nil
}

// Start begins supervising agents. With restore set, every persisted agent
// that has not finished is relaunched first.
func (k *Kernel) Start(restore bool) error {
	if k.running {
		return errors.New("kernel already running")
	}
	k.Supervisor.Start(k.ctx)
	k.running = true

	if restore {
		ids, err := k.Supervisor.RestoreAll(k.ctx)
		if err != nil {
			k.Logger.Warn("Some agents could not be restored: %v", err)
		}
		k.Logger.Info("Restored agents: %v", ids)
	}
	k.Logger.Info("Kernel started")
	return nil
}

// Context is cancelled when the kernel stops.
func (k *Kernel) Context() context.Context {
	return k.ctx
}

// Stop shuts agents down, drains persistence and closes event sinks.
func (k *Kernel) Stop(ctx context.Context) error {
	if !k.running {
		k.cancel()
		k.closePartial()
		return nil
	}
	k.running = false
	k.Logger.Info("Stopping kernel services...")

	var errs []error
	if err := k.Supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("agents: %w", err))
	}
	k.cancel()
	k.closePartial()

	k.Logger.Info("Kernel services stopped")
	return errors.Join(errs...)
}

func (k *Kernel) closePartial() {
	if k.Store != nil {
		if err := k.Store.Close(); err != nil {
			k.Logger.Error("Error closing persistence: %v", err)
		}
		k.Store = nil
	} else if k.baseStore != nil {
		_ = k.baseStore.Close()
	}
	if k.Events != nil {
		if err := k.Events.Close(); err != nil {
			k.Logger.Warn("Error closing event destinations: %v", err)
		}
		k.Events = nil
	}
}
