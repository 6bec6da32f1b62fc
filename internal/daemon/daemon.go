// internal/daemon/daemon.go
package daemon

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/WORKHIVE/internal/agents"
	"github.com/WORKHIVE/internal/breakdown"
	"github.com/WORKHIVE/internal/config"
	"github.com/WORKHIVE/internal/dispatch"
	"github.com/WORKHIVE/internal/events"
	"github.com/WORKHIVE/internal/metrics"
	natslib "github.com/WORKHIVE/internal/nats"
	"github.com/WORKHIVE/internal/persistence"
	"github.com/WORKHIVE/internal/pool"
	"github.com/WORKHIVE/internal/priority"
	"github.com/WORKHIVE/internal/registry"
	"github.com/WORKHIVE/internal/scaler"
	"github.com/WORKHIVE/internal/scheduler"
	"github.com/WORKHIVE/internal/server"
	"github.com/WORKHIVE/internal/work"
)

// Daemon owns one instance of every subsystem and the tick loops that
// drive them. New wires everything, Run blocks until the context is
// cancelled, Shutdown drains and snapshots.
type Daemon struct {
	cfg *config.Config

	store      *persistence.SQLiteStore
	eventStore *events.SQLiteStore
	bus        *events.Bus
	reg        *registry.Registry
	dir        *agents.Directory
	engine     *breakdown.Engine
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
	sched      *scheduler.Scheduler
	scaler     *scaler.Scaler
	collector  *metrics.StandardCollector
	health     *metrics.HealthChecker
	srv        *server.Server
	sweeper    *server.CleanupService

	natsServer *natslib.EmbeddedServer
	natsClient *natslib.Client
	bridge     *server.NATSBridge

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs and wires a daemon from the given configuration
func New(cfg *config.Config) (*Daemon, error) {
	d := &Daemon{cfg: cfg}

	store, err := persistence.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	d.store = store

	eventStore, err := events.NewSQLiteStore(store.DB())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("event store: %w", err)
	}
	d.eventStore = eventStore
	d.bus = events.NewBus(eventStore)

	d.reg = registry.New()
	d.dir = agents.NewDirectory()
	d.restoreSnapshot()

	for i := d.dir.Count(); i < cfg.Agents.InitialAgents; i++ {
		a := d.dir.Register(fmt.Sprintf("general-%d", i+1), []string{"general_purpose"}, false)
		log.Printf("[DAEMON] Registered initial agent %s", a.ID)
	}

	d.engine = breakdown.NewEngine(breakdown.NewCache(cfg.Cache.MaxEntries, cfg.CacheTTL()), nil)
	d.pool = pool.New(pool.Config{
		Workers:      cfg.Pool.MaxWorkers,
		MaxQueue:     cfg.Pool.MaxQueue,
		MaxRetries:   cfg.Dispatch.MaxRetries,
		Backpressure: cfg.Pool.Backpressure,
	}, newAgentExecutor(d.dir, cfg.Scheduler.CapabilityOverlap))

	scorer := priority.NewScorer(d.dir.AvailableFor)
	d.dispatcher = dispatch.New(dispatch.Config{
		AgentID: cfg.Dispatch.AgentID,
		Quota: map[work.Kind]int{
			work.KindTask:        cfg.Dispatch.QuotaTask,
			work.KindComplexTodo: cfg.Dispatch.QuotaComplexTodo,
			work.KindTodo:        cfg.Dispatch.QuotaTodo,
		},
		ParentTimeout:    time.Duration(cfg.Dispatch.ParentTimeoutSeconds) * time.Second,
		TickWarn:         time.Duration(cfg.Dispatch.TickWarnSeconds) * time.Second,
		MaxRetries:       cfg.Dispatch.MaxRetries,
		RetryBackoffBase: time.Duration(cfg.Dispatch.RetryBackoffBaseSeconds * float64(time.Second)),
		EnableBackfill:   cfg.Dispatch.EnableAutogenBackfill,
		RefillThreshold:  cfg.Dispatch.RefillThreshold,
	}, d.reg, scorer, d.engine, d.pool, d.bus)

	d.sched = scheduler.New(scheduler.Config{
		EnableRetries:     cfg.Scheduler.EnableRetries,
		MaxRetries:        cfg.Scheduler.MaxRetries,
		RetryDelayBase:    time.Duration(cfg.Scheduler.RetryDelayBaseSeconds * float64(time.Second)),
		DeadlineEpsilon:   time.Duration(cfg.Scheduler.DeadlineEpsilonSeconds) * time.Second,
		CapabilityOverlap: cfg.Scheduler.CapabilityOverlap,
	}, d.pool, d.dir)
	d.sched.OnComplete(func(job *scheduler.Job) {
		d.bus.Publish(events.NewEvent(events.EventJobCompleted, "scheduler", "all",
			events.PriorityNormal, map[string]interface{}{"job_id": job.ID, "name": job.Name}))
	})
	d.sched.OnFail(func(job *scheduler.Job) {
		d.bus.Publish(events.NewEvent(events.EventJobFailed, "scheduler", "all",
			events.PriorityHigh, map[string]interface{}{"job_id": job.ID, "name": job.Name}))
	})

	d.scaler = scaler.New(scaler.Config{
		MinAgents:       cfg.Scaler.MinAgents,
		MaxAgents:       cfg.Scaler.MaxAgents,
		TasksPerAgentUp: cfg.Scaler.TasksPerAgentUp,
		IdleFracDown:    cfg.Scaler.IdleFracDown,
		Cooldown:        time.Duration(cfg.Scaler.CooldownSeconds) * time.Second,
	}, d.dir, d.bus)

	d.collector = metrics.NewCollector(metrics.Sources{
		Counts:        d.reg.Counts,
		AgentTotal:    d.dir.Count,
		AgentBusy:     d.dir.CountBusy,
		QueueDepth:    d.pool.QueueDepth,
		ParentTotals:  d.dispatcher.Totals,
		AvgProcessing: d.dispatcher.AvgProcessing,
		CacheHitRate:  d.engine.CacheHitRate,
		ScalerAction: func() string {
			action, _ := d.scaler.LastAction()
			return string(action)
		},
	})
	d.health = metrics.NewHealthChecker(metrics.DefaultThresholds())

	staleThreshold := time.Duration(cfg.Agents.StaleThresholdSeconds) * time.Second
	d.srv = server.NewServer(server.Deps{
		Registry:       d.reg,
		Directory:      d.dir,
		Dispatcher:     d.dispatcher,
		Engine:         d.engine,
		Scheduler:      d.sched,
		Scaler:         d.scaler,
		Collector:      d.collector,
		Health:         d.health,
		Bus:            d.bus,
		StaleThreshold: staleThreshold,
	})

	d.sweeper = server.NewCleanupService(d.dir, d.bus, eventStore)
	d.sweeper.SetIntervals(time.Duration(cfg.Agents.SweepIntervalSeconds)*time.Second, staleThreshold)

	store.SetCollector(d.snapshot)

	if cfg.NATS.Enabled {
		if err := d.setupNATS(); err != nil {
			d.pool.Stop(time.Second)
			store.Close()
			return nil, err
		}
	}
	return d, nil
}

// restoreSnapshot seeds the registry and directory from the last
// persisted state. Failures are logged, never fatal: a fresh start is
// always acceptable.
func (d *Daemon) restoreSnapshot() {
	snap, err := d.store.LoadSnapshot()
	if err != nil {
		log.Printf("[DAEMON] Snapshot load failed, starting fresh: %v", err)
		return
	}
	for _, item := range snap.Items {
		if err := d.reg.Insert(item); err != nil {
			log.Printf("[DAEMON] Skipping restored item %s: %v", item.ID, err)
		}
	}
	for _, a := range snap.Agents {
		d.dir.Adopt(a)
	}
	if len(snap.Items) > 0 || len(snap.Agents) > 0 {
		log.Printf("[DAEMON] Restored %d items and %d agents from %s",
			len(snap.Items), len(snap.Agents), snap.SavedAt.Format(time.RFC3339))
	}
}

// snapshot collects the persistable state
func (d *Daemon) snapshot() persistence.Snapshot {
	return persistence.Snapshot{
		Items:   d.reg.All(),
		Agents:  d.dir.List(),
		SavedAt: time.Now(),
	}
}

func (d *Daemon) setupNATS() error {
	cfg := d.cfg
	url := cfg.NATSURL()

	if cfg.NATS.Embedded {
		ns, err := natslib.NewEmbeddedServer(natslib.EmbeddedServerConfig{
			Host:      cfg.NATS.Host,
			Port:      cfg.NATS.Port,
			JetStream: true,
			DataDir:   filepath.Join(filepath.Dir(cfg.Storage.Path), "jetstream"),
		})
		if err != nil {
			return fmt.Errorf("embedded nats: %w", err)
		}
		if err := ns.Start(); err != nil {
			return fmt.Errorf("embedded nats: %w", err)
		}
		d.natsServer = ns
		url = ns.URL()
		log.Printf("[DAEMON] Embedded NATS listening on %s", url)
	}

	client, err := natslib.NewClient(url)
	if err != nil {
		if d.natsServer != nil {
			d.natsServer.Shutdown()
		}
		return fmt.Errorf("nats client: %w", err)
	}
	d.natsClient = client

	if d.natsServer != nil {
		if sm, err := natslib.NewStreamManager(client.RawConn()); err == nil {
			if err := sm.SetupStreams(); err != nil {
				log.Printf("[DAEMON] Stream setup failed: %v", err)
			}
		} else {
			log.Printf("[DAEMON] JetStream unavailable: %v", err)
		}
	}

	d.bridge = server.NewNATSBridge(server.Deps{
		Registry:   d.reg,
		Directory:  d.dir,
		Dispatcher: d.dispatcher,
		Bus:        d.bus,
	}, client)
	return nil
}

// Run starts every loop and blocks until ctx is cancelled or the HTTP
// listener fails.
func (d *Daemon) Run(ctx context.Context) error {
	if d.bridge != nil {
		if err := d.bridge.Start(); err != nil {
			return fmt.Errorf("nats bridge: %w", err)
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sweeper.Start(ctx)
	}()

	d.loop(ctx, d.cfg.PollInterval(), func(now time.Time) {
		d.dispatcher.Tick(ctx)
	})
	d.loop(ctx, d.cfg.SchedulerPollInterval(), func(now time.Time) {
		d.sched.Tick(now)
	})
	d.loop(ctx, time.Duration(d.cfg.Agents.SweepIntervalSeconds)*time.Second, func(now time.Time) {
		counts := d.reg.Counts()
		d.scaler.Tick(scaler.Snapshot{
			Pending:     counts[work.StatusPending],
			InProgress:  counts[work.StatusInProgress],
			TotalAgents: d.dir.Count(),
		})
	})
	d.loop(ctx, 30*time.Second, func(now time.Time) {
		snap := d.collector.TakeSnapshot()
		d.srv.Hub().BroadcastSnapshot(snap)

		stale := 0
		for _, a := range d.dir.List() {
			if a.Status == agents.StatusDead {
				stale++
			}
		}
		d.srv.Hub().BroadcastHealth(d.health.Check(snap, stale))
	})
	d.loop(ctx, time.Duration(d.cfg.Storage.SnapshotIntervalSeconds)*time.Second, func(now time.Time) {
		d.store.RequestSave()
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.srv.Start(fmt.Sprintf(":%d", d.cfg.Server.Port))
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// loop runs fn on a ticker until ctx is done
func (d *Daemon) loop(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	if interval <= 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				fn(now)
			}
		}
	}()
}

// Shutdown stops ingestion, drains the pool and writes the final
// snapshot. Safe to call once; later calls are no-ops.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() {
		log.Println("[DAEMON] Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[DAEMON] HTTP shutdown: %v", err)
		}

		if d.bridge != nil {
			d.bridge.Stop()
		}
		if d.natsClient != nil {
			d.natsClient.Close()
		}
		if d.natsServer != nil {
			d.natsServer.Shutdown()
		}

		d.dispatcher.Stop()
		d.sched.Stop()
		d.pool.Stop(d.cfg.DrainTimeout())
		d.wg.Wait()

		// Close flushes a final snapshot through the collector.
		if err := d.store.Close(); err != nil {
			log.Printf("[DAEMON] Store close: %v", err)
		}
		log.Println("[DAEMON] Shutdown complete")
	})
}
