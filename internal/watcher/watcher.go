// Package watcher polls registered game servers from a single serialized
// worker. Registration changes and poll cycles are closures queued on the
// same mailbox, so the registration set needs no lock.
package watcher

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/Vigil/internal/monitor"
	"github.com/turtacn/Vigil/internal/query"
	"github.com/turtacn/Vigil/internal/supervisor"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/logger"
	"golang.org/x/time/rate"
	"vawter.tech/stopper"
)

// Result is the raw outcome of probing one registration.
type Result struct {
	ProfileID string
	Probe     consts.ProbeResult
	Process   *supervisor.ProcessInfo
	Info      *query.ServerInfo
	Online    int
}

// Locator finds the server process of an install.
type Locator interface {
	Locate(installDir string, bindAddr netip.Addr, port uint16) supervisor.Location
}

// Querier talks to a server's query port and the HTTP availability service.
type Querier interface {
	Query(ctx context.Context, ep netip.AddrPort) (*query.Status, error)
	HasFallback() bool
	CheckAvailability(ctx context.Context, ep netip.AddrPort) (bool, error)
}

// Config controls poll cadence and the external check cooldowns.
type Config struct {
	PollInterval time.Duration
	// ExternalInterval is the cooldown after a successful HTTP check.
	ExternalInterval time.Duration
	// ExternalBackoff is the cooldown after a failed HTTP check.
	ExternalBackoff time.Duration
	// ExternalRatePerMinute caps HTTP checks across all endpoints; 0 is unlimited.
	ExternalRatePerMinute float64
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithDispatcher sets the execution context for update callbacks. The
// default delivers callbacks in order on one dedicated goroutine.
func WithDispatcher(dispatch func(func())) Option {
	return func(w *Watcher) { w.dispatch = dispatch }
}

// WithClock replaces time.Now for cooldown bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// Target describes one server to probe.
type Target struct {
	InstallDir string
	ProfileID  string
	// BindAddr is the address token expected on the command line, or the
	// zero Addr when the process binds every interface.
	BindAddr netip.Addr
	Local    netip.AddrPort
	Public   netip.AddrPort
}

type registration struct {
	Target
	onUpdate func(Result)
	active   atomic.Bool
}

// Handle removes a registration. The zero value and nil are valid no-ops.
type Handle struct {
	w    *Watcher
	reg  *registration
	once sync.Once
}

// Unregister stops future updates for the registration. It is idempotent.
func (h *Handle) Unregister() {
	if h == nil || h.w == nil {
		return
	}
	h.once.Do(func() {
		h.reg.active.Store(false)
		h.w.inbox.push(func() { h.w.remove(h.reg) })
	})
}

// Watcher is the process-wide status poller.
type Watcher struct {
	cfg     Config
	locator Locator
	querier Querier
	log     logger.Logger

	now      func() time.Time
	dispatch func(func())
	limiter  *rate.Limiter

	inbox    *mailbox
	outbox   *mailbox
	started  atomic.Bool
	sctx     *stopper.Context
	cancel   context.CancelFunc
	runCtx   context.Context
	timerMu  sync.Mutex
	nextPoll *time.Timer

	// Owned by the worker.
	regs         []*registration
	nextExternal map[netip.AddrPort]time.Time
}

// New creates a Watcher. Call Start to begin polling.
func New(cfg Config, locator Locator, querier Querier, opts ...Option) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = consts.DefaultPollInterval
	}
	if cfg.ExternalInterval <= 0 {
		cfg.ExternalInterval = consts.DefaultExternalCheckInterval
	}
	if cfg.ExternalBackoff <= 0 {
		cfg.ExternalBackoff = consts.DefaultExternalBackoff
	}

	w := &Watcher{
		cfg:          cfg,
		locator:      locator,
		querier:      querier,
		log:          logger.Log.With("component", "watcher"),
		now:          time.Now,
		limiter:      rate.NewLimiter(rate.Inf, 1),
		inbox:        newMailbox(),
		outbox:       newMailbox(),
		nextExternal: make(map[netip.AddrPort]time.Time),
	}
	if cfg.ExternalRatePerMinute > 0 {
		burst := int(cfg.ExternalRatePerMinute)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.ExternalRatePerMinute/60.0), burst)
	}
	w.dispatch = w.outbox.push
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register adds a server to the poll set and returns its removal handle.
// onUpdate receives one Result per poll cycle through the dispatcher.
func (w *Watcher) Register(target Target, onUpdate func(Result)) *Handle {
	reg := &registration{Target: target, onUpdate: onUpdate}
	reg.active.Store(true)
	w.inbox.push(func() { w.regs = append(w.regs, reg) })
	return &Handle{w: w, reg: reg}
}

// ProbeOnce runs a single probe outside the poll loop, for one-shot status
// reports. It shares cooldown state with the worker and must not be called
// after Start.
func (w *Watcher) ProbeOnce(ctx context.Context, target Target) Result {
	return w.probe(ctx, &registration{Target: target})
}

func (w *Watcher) remove(reg *registration) {
	for i, r := range w.regs {
		if r == reg {
			w.regs = append(w.regs[:i], w.regs[i+1:]...)
			return
		}
	}
}

// Start launches the worker and schedules the first poll cycle immediately.
// Cancelling ctx stops the watcher like Stop.
func (w *Watcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.runCtx, w.cancel = context.WithCancel(ctx)
	w.sctx = stopper.WithContext(ctx)

	w.sctx.Go(func(sctx *stopper.Context) error {
		w.inbox.run(sctx.Stopping())
		return nil
	})
	w.sctx.Go(func(sctx *stopper.Context) error {
		w.outbox.run(sctx.Stopping())
		return nil
	})
	w.sctx.Go(func(sctx *stopper.Context) error {
		select {
		case <-w.runCtx.Done():
			sctx.Stop(time.Second)
		case <-sctx.Stopping():
		}
		w.cancel()
		w.timerMu.Lock()
		if w.nextPoll != nil {
			w.nextPoll.Stop()
		}
		w.timerMu.Unlock()
		return nil
	})

	w.inbox.push(w.pollCycle)
}

// Stop halts polling and waits for in-flight work to finish.
func (w *Watcher) Stop() error {
	if !w.started.Load() {
		return nil
	}
	w.sctx.Stop(time.Second)
	return w.sctx.Wait()
}

func (w *Watcher) pollCycle() {
	if w.runCtx.Err() != nil {
		return
	}
	start := time.Now()
	for _, reg := range w.regs {
		if w.runCtx.Err() != nil {
			return
		}
		if !reg.active.Load() {
			continue
		}
		w.pollOne(reg)
	}
	monitor.PollCycleDuration.Observe(time.Since(start).Seconds())

	w.timerMu.Lock()
	w.nextPoll = time.AfterFunc(w.cfg.PollInterval, func() { w.inbox.push(w.pollCycle) })
	w.timerMu.Unlock()
}

func (w *Watcher) pollOne(reg *registration) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Probe failed", "profile", reg.ProfileID, "panic", r)
		}
	}()

	res := w.probe(w.runCtx, reg)
	monitor.ProbeResults.WithLabelValues(string(res.Probe)).Inc()
	w.dispatch(func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Update callback failed", "profile", reg.ProfileID, "panic", r)
			}
		}()
		if reg.active.Load() {
			reg.onUpdate(res)
		}
	})
}

// probe walks process lookup, local query, direct public query and the
// HTTP fallback, stopping at the first step that fails.
func (w *Watcher) probe(ctx context.Context, reg *registration) Result {
	res := Result{ProfileID: reg.ProfileID}

	loc := w.locator.Locate(reg.InstallDir, reg.BindAddr, reg.Local.Port())
	switch loc.Presence {
	case supervisor.PresenceNotInstalled:
		res.Probe = consts.ProbeNotInstalled
		return res
	case supervisor.PresenceStopped:
		res.Probe = consts.ProbeStopped
		return res
	case supervisor.PresenceUnknown:
		res.Probe = consts.ProbeUnknown
		return res
	}
	res.Process = loc.Process

	local, err := w.querier.Query(ctx, reg.Local)
	if err != nil {
		w.log.Debug("Local query failed", "profile", reg.ProfileID, "endpoint", reg.Local.String(), "err", err)
		res.Probe = consts.ProbeInitializing
		return res
	}
	res.Probe = consts.ProbeLocalSuccess
	res.Info = local.Info
	res.Online = local.Online

	if !reg.Public.IsValid() {
		return res
	}

	if _, err := w.querier.Query(ctx, reg.Public); err == nil {
		res.Probe = consts.ProbePublished
		delete(w.nextExternal, reg.Public)
		return res
	}

	if !w.querier.HasFallback() {
		return res
	}

	now := w.now()
	if next, ok := w.nextExternal[reg.Public]; ok && now.Before(next) {
		res.Probe = consts.ProbeExternalSkipped
		monitor.ExternalChecks.WithLabelValues("skipped").Inc()
		return res
	}
	if !w.limiter.AllowN(now, 1) {
		res.Probe = consts.ProbeExternalSkipped
		monitor.ExternalChecks.WithLabelValues("limited").Inc()
		return res
	}

	available, err := w.querier.CheckAvailability(ctx, reg.Public)
	if err != nil || !available {
		if err != nil {
			w.log.Debug("Availability check failed", "profile", reg.ProfileID, "endpoint", reg.Public.String(), "err", err)
		}
		w.nextExternal[reg.Public] = now.Add(w.cfg.ExternalBackoff)
		monitor.ExternalChecks.WithLabelValues("failure").Inc()
		return res
	}

	res.Probe = consts.ProbeExternalSuccess
	w.nextExternal[reg.Public] = now.Add(w.cfg.ExternalInterval)
	monitor.ExternalChecks.WithLabelValues("success").Inc()
	return res
}

// Personal.AI order the ending
