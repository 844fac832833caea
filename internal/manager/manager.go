// Package manager supervises one forwarding pipeline per managed account:
// it discovers account records, builds the transport, resolver, scheduler
// and command interpreter for each, and runs the periodic maintenance jobs.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"relaybot/internal/account"
	"relaybot/internal/command"
	"relaybot/internal/config"
	"relaybot/internal/joinqueue"
	"relaybot/internal/joinrate"
	"relaybot/internal/platform"
	"relaybot/internal/resolver"
	"relaybot/internal/scheduler"
	"relaybot/internal/store"
	"relaybot/pkg/logx"
)

// TransportFactory builds the platform transport for one account. Injected
// so tests can substitute a fake.
type TransportFactory func(token string, ownerID int64) (platform.Transport, error)

type Manager struct {
	cfg       config.Config
	st        store.Store
	transport TransportFactory
	log       logx.Logger
	cron      *cron.Cron

	mu    sync.Mutex
	loops map[string]*accountLoop

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// accountLoop bundles everything owned by a single account's pipeline.
type accountLoop struct {
	name      string
	runtime   *account.Runtime
	resolver  *resolver.Resolver
	sched     *scheduler.Scheduler
	interp    *command.Interpreter
	transport platform.Transport
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(cfg config.Config, st store.Store, transport TransportFactory, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:       cfg,
		st:        st,
		transport: transport,
		log:       log,
		cron:      cron.New(),
		loops:     map[string]*accountLoop{},
	}
}

// Start discovers the existing accounts, begins watching for new ones and
// schedules the maintenance jobs. It returns once everything is running.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	if err := m.rescan(runCtx); err != nil {
		cancel()
		return err
	}
	if m.cfg.Storage.Driver == "" || m.cfg.Storage.Driver == "file" {
		if err := m.watchUsersDir(runCtx); err != nil {
			// Discovery degrades to the hourly rescan.
			m.log.Warn("users dir watch unavailable", logx.Err(err))
		}
	}

	if _, err := m.cron.AddFunc("0 0 * * *", func() { m.expirySweep(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}
	if _, err := m.cron.AddFunc("@every 5m", func() { m.drainJoinQueues(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule join drain: %w", err)
	}
	if _, err := m.cron.AddFunc("@every 1h", func() {
		if err := m.rescan(runCtx); err != nil {
			m.log.Warn("periodic rescan failed", logx.Err(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule rescan: %w", err)
	}
	m.cron.Start()
	m.log.Info("manager started", logx.Int("accounts", m.loopCount()))
	return nil
}

// Stop shuts everything down in order: no new cron work, then each account
// loop, waiting for in-flight sends to finish.
func (m *Manager) Stop(ctx context.Context) error {
	cronDone := m.cron.Stop().Done()

	m.mu.Lock()
	loops := make([]*accountLoop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.Unlock()

	for _, l := range loops {
		l.cancel()
	}
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cronDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.log.Info("manager stopped")
	return nil
}

func (m *Manager) loopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loops)
}

// rescan diffs the stored accounts against the running loops, starting any
// that are new. Removed account files only take effect on restart.
func (m *Manager) rescan(ctx context.Context) error {
	names, err := m.st.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, name := range names {
		m.mu.Lock()
		_, running := m.loops[name]
		m.mu.Unlock()
		if running {
			continue
		}
		if err := m.startAccount(ctx, name); err != nil {
			m.log.Error("account start failed", logx.String("account", name), logx.Err(err))
		}
	}
	return nil
}

func (m *Manager) startAccount(ctx context.Context, name string) error {
	rt, err := account.Load(ctx, m.st, name)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	rec := rt.Snapshot()
	if rec.Token == "" {
		return fmt.Errorf("account %s has no token", name)
	}

	tr, err := m.transport(rec.Token, rec.OwnerID)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	queue, err := joinqueue.Open(ctx, m.st, name)
	if err != nil {
		return fmt.Errorf("open join queue: %w", err)
	}
	limiter := joinrate.New(joinrate.Config{
		PerHour:  m.cfg.Join.PerHour,
		MinDelay: m.cfg.Join.MinDelayDuration(),
		MaxDelay: m.cfg.Join.MaxDelayDuration(),
	})
	res := resolver.New(tr, rt, limiter, queue, nil, m.log)
	sched, err := scheduler.New(ctx, tr, rt, res, m.st, m.log)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	interp := command.New(command.Deps{
		Runtime:  rt,
		Resolver: res,
		Queued:   sched.QueueLen,
	}, m.log)

	loopCtx, cancel := context.WithCancel(ctx)
	l := &accountLoop{
		name:      name,
		runtime:   rt,
		resolver:  res,
		sched:     sched,
		interp:    interp,
		transport: tr,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	updates := make(chan platform.Update, 64)
	if err := tr.Start(loopCtx, updates); err != nil {
		cancel()
		return fmt.Errorf("start transport: %w", err)
	}

	m.mu.Lock()
	m.loops[name] = l
	m.mu.Unlock()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		if err := sched.Run(loopCtx); err != nil && loopCtx.Err() == nil {
			m.log.Error("dispatch loop exited", logx.String("account", name), logx.Err(err))
		}
	}()
	go func() {
		defer m.wg.Done()
		defer close(l.done)
		m.pumpUpdates(loopCtx, l, updates)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		tr.Stop(stopCtx)
		stopCancel()
	}()

	m.log.Info("account started", logx.String("account", name),
		logx.Int("destinations", len(rec.Destinations)))
	return nil
}

// pumpUpdates routes owner messages: command text is interpreted and
// answered, everything else becomes a work item.
func (m *Manager) pumpUpdates(ctx context.Context, l *accountLoop, updates <-chan platform.Update) {
	log := m.log.With(logx.String("account", l.name))
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if !u.FromOwner {
				continue
			}
			if reply, handled := l.interp.Handle(ctx, u.Text); handled {
				if err := l.transport.NotifyOwner(ctx, reply); err != nil {
					log.Warn("command reply failed", logx.Err(err))
				}
				continue
			}
			item := store.WorkItem{
				ChatID:     u.ChatID,
				MessageID:  u.MessageID,
				EnqueuedAt: time.Now(),
			}
			if err := l.sched.Enqueue(ctx, item); err != nil {
				log.Error("work item not enqueued", logx.Err(err))
			}
		}
	}
}

// watchUsersDir reacts to new account files appearing; renames are included
// because the store writes via temp-then-rename.
func (m *Manager) watchUsersDir(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(m.cfg.UsersDir); err != nil {
		w.Close()
		return err
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				m.log.Debug("users dir changed", logx.String("path", ev.Name))
				if err := m.rescan(ctx); err != nil {
					m.log.Warn("rescan after change failed", logx.Err(err))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.log.Warn("users dir watch error", logx.Err(err))
			}
		}
	}()
	return nil
}

// expirySweep reminds owners whose plan lapsed. Dispatch suppression itself
// happens in the scheduler; this is only the daily nudge.
func (m *Manager) expirySweep(ctx context.Context) {
	m.mu.Lock()
	loops := make([]*accountLoop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, l := range loops {
		rec := l.runtime.Snapshot()
		if !account.PlanExpired(rec, now) {
			continue
		}
		m.log.Info("plan expired", logx.String("account", l.name),
			logx.String("expiry", rec.PlanExpiry))
		if err := l.transport.NotifyOwner(ctx,
			"plan expired on "+rec.PlanExpiry+": forwarding stays paused until renewal"); err != nil {
			m.log.Debug("expiry notice failed", logx.String("account", l.name), logx.Err(err))
		}
	}
}

// drainJoinQueues retries deferred joins for every account, within each
// account's join budget.
func (m *Manager) drainJoinQueues(ctx context.Context) {
	m.mu.Lock()
	loops := make([]*accountLoop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.Unlock()

	for _, l := range loops {
		if err := l.resolver.DrainQueue(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("join queue drain incomplete",
				logx.String("account", l.name), logx.Err(err))
		}
	}
}
