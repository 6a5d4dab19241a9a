package orchestrator

import (
	"context"
	stderrors "errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/turtacn/Vigil/internal/monitor"
	"github.com/turtacn/Vigil/internal/query"
	"github.com/turtacn/Vigil/internal/rcon"
	"github.com/turtacn/Vigil/internal/supervisor"
	"github.com/turtacn/Vigil/internal/upgrade"
	"github.com/turtacn/Vigil/internal/watcher"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/logger"
	"github.com/turtacn/Vigil/pkg/protocol"
)

var (
	// ErrUnknownProfile is returned for a profile id missing from the config.
	ErrUnknownProfile = stderrors.New("unknown profile")
	// ErrUpgradeInFlight is returned when the profile is already upgrading.
	ErrUpgradeInFlight = stderrors.New("upgrade already in progress")
)

// UpgradeOptions selects what an upgrade run does.
type UpgradeOptions struct {
	UpdateServer   bool     `json:"update_server"`
	Validate       bool     `json:"validate"`
	UpdatePackages bool     `json:"update_packages"`
	Force          bool     `json:"force"`
	PackageIDs     []string `json:"package_ids,omitempty"`
}

// server bundles the per-profile components.
type server struct {
	profile protocol.ProfileConfig
	runtime *Runtime
	channel *rcon.Channel
	handle  *watcher.Handle

	mu        sync.Mutex
	upgrading bool
	cancel    context.CancelFunc
}

// EngineOption customises an Engine, mainly for tests.
type EngineOption func(*engineDeps)

type engineDeps struct {
	source     supervisor.ProcessSource
	querier    watcher.Querier
	downloader upgrade.Downloader
	metadata   upgrade.MetadataSource
	dial       rcon.DialFunc
	observer   Observer
	dispatch   func(func())
}

func WithProcessSource(s supervisor.ProcessSource) EngineOption {
	return func(d *engineDeps) { d.source = s }
}

func WithQuerier(q watcher.Querier) EngineOption {
	return func(d *engineDeps) { d.querier = q }
}

func WithDownloader(dl upgrade.Downloader) EngineOption {
	return func(d *engineDeps) { d.downloader = dl }
}

func WithMetadataSource(m upgrade.MetadataSource) EngineOption {
	return func(d *engineDeps) { d.metadata = m }
}

func WithRconDialer(dial rcon.DialFunc) EngineOption {
	return func(d *engineDeps) { d.dial = dial }
}

// WithEngineObserver replaces the default logging observer.
func WithEngineObserver(o Observer) EngineOption {
	return func(d *engineDeps) { d.observer = o }
}

// WithCallbackDispatcher sets where watcher results are delivered.
func WithCallbackDispatcher(dispatch func(func())) EngineOption {
	return func(d *engineDeps) { d.dispatch = dispatch }
}

// Engine wires one watcher, one pipeline and one runtime per profile.
type Engine struct {
	cfg      *protocol.Config
	locator  *supervisor.Locator
	watcher  *watcher.Watcher
	pipeline *upgrade.Pipeline
	log      logger.Logger

	order   []string
	servers map[string]*server
}

// NewEngine builds the engine for every profile in cfg.
func NewEngine(cfg *protocol.Config, opts ...EngineOption) *Engine {
	deps := &engineDeps{}
	for _, opt := range opts {
		opt(deps)
	}
	if deps.querier == nil {
		deps.querier = query.NewClient(query.Config{
			Timeout:        cfg.Watcher.QueryTimeout,
			CheckURL:       cfg.Watcher.ExternalCheck.URL,
			ManagerID:      cfg.Manager.ID,
			ManagerVersion: cfg.Manager.Version,
		})
	}
	if deps.downloader == nil {
		deps.downloader = upgrade.NewSteamCMD(upgrade.SteamCMDConfig{
			Executable:    cfg.Downloader.Executable,
			CaptureOutput: cfg.Downloader.CaptureOutput,
			Timeout:       cfg.Downloader.Timeout,
		})
	}
	if deps.metadata == nil {
		deps.metadata = upgrade.NewSteamMetadata(cfg.Downloader.MetadataURL, cfg.Downloader.APIKey)
	}
	if deps.observer == nil {
		deps.observer = logObserver{log: logger.Log.With("component", "alerts")}
	}

	e := &Engine{
		cfg: cfg,
		locator: supervisor.NewLocator(supervisor.LocatorConfig{
			BinaryPath:      cfg.Game.BinaryPath,
			ProcessName:     cfg.Game.ProcessName,
			PortArgFormat:   cfg.Game.PortArgFormat,
			AddressArgToken: cfg.Game.AddressArgToken,
			AddressArgFmt:   cfg.Game.AddressArgFmt,
		}, deps.source),
		pipeline: upgrade.New(upgrade.ConfigFrom(cfg), deps.downloader, deps.metadata),
		log:      logger.Log.With("component", "engine"),
		servers:  make(map[string]*server, len(cfg.Profiles)),
	}

	wopts := []watcher.Option{}
	if deps.dispatch != nil {
		wopts = append(wopts, watcher.WithDispatcher(deps.dispatch))
	}
	e.watcher = watcher.New(watcher.Config{
		PollInterval:          cfg.Watcher.PollInterval,
		ExternalInterval:      cfg.Watcher.ExternalCheck.Interval,
		ExternalBackoff:       cfg.Watcher.ExternalCheck.Backoff,
		ExternalRatePerMinute: cfg.Watcher.ExternalCheck.RatePerMinute,
	}, e.locator, deps.querier, wopts...)

	checker := upgrade.NewChecker(upgrade.ConfigFrom(cfg).Packages, deps.metadata)
	for _, p := range cfg.Profiles {
		srv := &server{profile: p}
		if p.RconPort != 0 {
			srv.channel = rcon.NewChannel(rcon.ChannelConfig{
				Address:        p.RconAddress(),
				Password:       p.RconPassword,
				Retries:        cfg.Command.Retries,
				DialTimeout:    cfg.Command.DialTimeout,
				SettleDelay:    cfg.Command.SettleDelay,
				PostSendDelay:  cfg.Command.PostSendDelay,
				MessageKeyword: cfg.Command.MessageKeyword,
			}, deps.dial)
		}
		ropts := []RuntimeOption{WithObserver(deps.observer), WithChecker(checker)}
		if srv.channel != nil {
			ropts = append(ropts, WithMessenger(srv.channel))
		}
		srv.runtime = NewRuntime(p, ropts...)
		e.servers[p.ID] = srv
		e.order = append(e.order, p.ID)
	}
	return e
}

// watchTarget uses the same bind address as StopServer so both agree on
// which process belongs to the profile.
func watchTarget(p protocol.ProfileConfig) watcher.Target {
	return watcher.Target{
		InstallDir: p.InstallDir,
		ProfileID:  p.ID,
		BindAddr:   p.BindAddr(),
		Local:      p.LocalEndpoint(),
		Public:     p.PublicEndpoint(),
	}
}

// Start registers every profile with the watcher and begins polling.
func (e *Engine) Start(ctx context.Context) error {
	monitor.InitMetrics()
	for _, id := range e.order {
		srv := e.servers[id]
		srv.handle = e.watcher.Register(watchTarget(srv.profile), srv.runtime.Update)
	}
	e.watcher.Start(ctx)
	e.log.Info("Engine started", "profiles", len(e.order))
	return nil
}

// ProbeOnce probes every profile once without starting the poll loop and
// returns the resulting states. Use it instead of Start for one-shot reports.
func (e *Engine) ProbeOnce(ctx context.Context) map[string]State {
	out := make(map[string]State, len(e.order))
	for _, id := range e.order {
		srv := e.servers[id]
		srv.runtime.Update(e.watcher.ProbeOnce(ctx, watchTarget(srv.profile)))
		out[id] = srv.runtime.Snapshot()
	}
	return out
}

// Stop cancels running upgrades, stops polling and releases runtimes.
func (e *Engine) Stop() error {
	for _, id := range e.order {
		srv := e.servers[id]
		srv.handle.Unregister()
		srv.mu.Lock()
		if srv.cancel != nil {
			srv.cancel()
		}
		srv.mu.Unlock()
	}
	err := e.watcher.Stop()
	for _, id := range e.order {
		e.servers[id].runtime.Close()
	}
	return err
}

// Run starts the engine and blocks until ctx is done or SIGINT/SIGTERM
// arrives. SIGHUP forces a package status refresh on every profile.
func (e *Engine) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if err := e.Start(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("Signal: Stop received. Shutting down.")
			return e.Stop()
		case <-hup:
			logger.Log.Info("Signal: SIGHUP received. Refreshing package status.")
			for _, id := range e.order {
				e.servers[id].runtime.ResetPackageCheck()
			}
		}
	}
}

// Profiles returns the configured profile ids in config order.
func (e *Engine) Profiles() []string {
	return append([]string(nil), e.order...)
}

// Runtime returns the runtime of profile id.
func (e *Engine) Runtime(id string) (*Runtime, bool) {
	srv, ok := e.servers[id]
	if !ok {
		return nil, false
	}
	return srv.runtime, true
}

// State returns the current state of profile id.
func (e *Engine) State(id string) (State, bool) {
	srv, ok := e.servers[id]
	if !ok {
		return State{}, false
	}
	return srv.runtime.Snapshot(), true
}

// Upgrading reports whether profile id has an upgrade in flight.
func (e *Engine) Upgrading(id string) bool {
	srv, ok := e.servers[id]
	if !ok {
		return false
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.upgrading
}

// StartUpgrade launches an upgrade of profile id in the background. The
// returned channel receives the report once. At most one upgrade per
// profile runs at a time.
func (e *Engine) StartUpgrade(ctx context.Context, id string, opts UpgradeOptions, progress upgrade.ProgressFunc) (<-chan upgrade.Report, error) {
	srv, ok := e.servers[id]
	if !ok {
		return nil, ErrUnknownProfile
	}

	srv.mu.Lock()
	if srv.upgrading {
		srv.mu.Unlock()
		return nil, ErrUpgradeInFlight
	}
	runCtx, cancel := context.WithCancel(ctx)
	srv.upgrading = true
	srv.cancel = cancel
	srv.mu.Unlock()

	if progress == nil {
		log := e.log.With("profile", id)
		progress = func(_ float64, text string, sameLine bool) {
			if !sameLine {
				log.Info(text)
			}
		}
	}

	p := srv.profile
	req := upgrade.Request{
		InstallDir:        p.InstallDir,
		Branch:            p.Branch,
		BranchPassword:    p.BranchPassword,
		UpdateServer:      opts.UpdateServer,
		Validate:          opts.Validate,
		UpdatePackages:    opts.UpdatePackages,
		Force:             opts.Force,
		PackageIDs:        opts.PackageIDs,
		MapPackageID:      p.MapPackageID,
		TotalConversionID: p.TotalConversionID,
		ServerPackageIDs:  p.PackageIDs,
		Target:            &upgradeTarget{Runtime: srv.runtime, stop: func(ctx context.Context) error { return e.StopServer(ctx, id) }},
		Progress:          progress,
	}

	out := make(chan upgrade.Report, 1)
	go func() {
		defer func() {
			cancel()
			srv.mu.Lock()
			srv.upgrading = false
			srv.cancel = nil
			srv.mu.Unlock()
		}()
		out <- e.pipeline.Run(runCtx, req)
	}()
	return out, nil
}

// Upgrade runs an upgrade of profile id and waits for its report.
func (e *Engine) Upgrade(ctx context.Context, id string, opts UpgradeOptions, progress upgrade.ProgressFunc) (upgrade.Report, error) {
	ch, err := e.StartUpgrade(ctx, id, opts, progress)
	if err != nil {
		return upgrade.Report{}, err
	}
	return <-ch, nil
}

// CancelUpgrade cancels the in-flight upgrade of profile id, if any.
func (e *Engine) CancelUpgrade(id string) bool {
	srv, ok := e.servers[id]
	if !ok {
		return false
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.cancel == nil {
		return false
	}
	srv.cancel()
	return true
}

type upgradeTarget struct {
	*Runtime
	stop func(ctx context.Context) error
}

func (t *upgradeTarget) StopServer(ctx context.Context) error { return t.stop(ctx) }

// StopServer asks the server of profile id to shut down over the command
// channel, falling back to SIGTERM, and kills it after the stop grace.
func (e *Engine) StopServer(ctx context.Context, id string) error {
	srv, ok := e.servers[id]
	if !ok {
		return ErrUnknownProfile
	}
	p := srv.profile

	loc := e.locator.Locate(p.InstallDir, p.BindAddr(), p.QueryPort)
	if loc.Presence != supervisor.PresenceRunning {
		return nil
	}
	pm, err := supervisor.Attach(loc.Process.PID)
	if err != nil {
		return errors.New(errors.ErrCodeStopFailed, "StopServer", "failed to attach", err)
	}

	srv.runtime.SetStatus(consts.StatusStopping)
	sent := false
	if srv.channel != nil && e.cfg.Game.ShutdownCommand != "" {
		sent = srv.channel.Send(ctx, e.cfg.Game.ShutdownCommand, true)
	}
	if !sent {
		if err := pm.Stop(); err != nil {
			return e.abortStop(srv, errors.New(errors.ErrCodeStopFailed, "StopServer", "failed to signal server", err))
		}
	}

	grace := e.cfg.Downloader.StopGrace
	if grace <= 0 {
		grace = consts.DefaultStopGrace
	}
	if err := pm.Shutdown(ctx, grace); err != nil {
		return e.abortStop(srv, errors.New(errors.ErrCodeStopFailed, "StopServer", "server did not exit", err))
	}
	srv.runtime.SetStatus(consts.StatusStopped)
	return nil
}

// abortStop leaves Stopping after a failed or abandoned stop. Stopping drops
// responding results, so the next poll re-derives the status from Unknown.
func (e *Engine) abortStop(srv *server, err error) error {
	e.log.Warn("Stop did not complete", "profile", srv.profile.ID, "err", err)
	srv.runtime.SetStatus(consts.StatusUnknown)
	return err
}

// Send runs a raw command on the server of profile id.
func (e *Engine) Send(ctx context.Context, id, command string) (bool, error) {
	srv, ok := e.servers[id]
	if !ok {
		return false, ErrUnknownProfile
	}
	if srv.channel == nil {
		return false, errors.New(errors.ErrCodeRconConnect, "Send", "no command channel configured for "+id, nil)
	}
	return srv.channel.Send(ctx, command, true), nil
}

// Broadcast sends a chat message to the server of profile id.
func (e *Engine) Broadcast(ctx context.Context, id, text string) (bool, error) {
	srv, ok := e.servers[id]
	if !ok {
		return false, ErrUnknownProfile
	}
	if srv.channel == nil {
		return false, errors.New(errors.ErrCodeRconConnect, "Broadcast", "no command channel configured for "+id, nil)
	}
	return srv.channel.SendMessage(ctx, text), nil
}

// logObserver writes alerts to the log.
type logObserver struct {
	log logger.Logger
}

func (o logObserver) StateChanged(string, State, State) {}

func (o logObserver) Alert(profileID string, kind AlertKind, message string) {
	o.log.Warn(message, "profile", profileID, "kind", string(kind))
}

// Personal.AI order the ending
