package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/Vigil/internal/monitor"
	"github.com/turtacn/Vigil/internal/upgrade"
	"github.com/turtacn/Vigil/internal/watcher"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/fsm"
	"github.com/turtacn/Vigil/pkg/logger"
	"github.com/turtacn/Vigil/pkg/protocol"
)

// State is a snapshot of one server's derived runtime state.
type State struct {
	Status            consts.ServerStatus `json:"status"`
	Availability      consts.Availability `json:"availability"`
	Players           int                 `json:"players"`
	MaxPlayers        int                 `json:"max_players"`
	Version           string              `json:"version,omitempty"`
	PackagesTotal     int                 `json:"packages_total"`
	PackagesOutOfDate int                 `json:"packages_out_of_date"`
	LastPackageCheck  time.Time           `json:"last_package_check"`
}

// AlertKind distinguishes alert sources.
type AlertKind string

const (
	AlertStatus  AlertKind = "status"
	AlertPlayers AlertKind = "players"
)

// Observer receives runtime changes. Calls are made outside the runtime
// lock and may re-enter the runtime.
type Observer interface {
	StateChanged(profileID string, prev, next State)
	Alert(profileID string, kind AlertKind, message string)
}

// PackageChecker reports how current installed packages are.
type PackageChecker interface {
	Check(ctx context.Context, installDir string, ids []string) (upgrade.PackageStatus, error)
}

// Messenger delivers chat messages to a running server.
type Messenger interface {
	SendMessage(ctx context.Context, text string) bool
}

// RuntimeOption customises a Runtime.
type RuntimeOption func(*Runtime)

// WithObserver sets the receiver of state changes and alerts.
func WithObserver(o Observer) RuntimeOption {
	return func(r *Runtime) { r.observer = o }
}

// WithChecker enables the periodic package status refresh.
func WithChecker(c PackageChecker) RuntimeOption {
	return func(r *Runtime) { r.checker = c }
}

// WithMessenger enables interval broadcasts while the server is running.
func WithMessenger(m Messenger) RuntimeOption {
	return func(r *Runtime) { r.messenger = m }
}

func WithRuntimeClock(now func() time.Time) RuntimeOption {
	return func(r *Runtime) { r.now = now }
}

// Runtime turns raw probe results into a stable lifecycle status.
type Runtime struct {
	profile    protocol.ProfileConfig
	packageIDs []string
	log        logger.Logger

	observer  Observer
	checker   PackageChecker
	messenger Messenger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	machine       *fsm.StateMachine
	state         State
	stopBroadcast chan struct{}
	checks        sync.WaitGroup
}

// NewRuntime creates a Runtime in the Unknown state.
func NewRuntime(profile protocol.ProfileConfig, opts ...RuntimeOption) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		profile:    profile,
		packageIDs: upgrade.ResolvePackageIDs(nil, profile.MapPackageID, profile.TotalConversionID, profile.PackageIDs),
		log:        logger.Log.With("component", "runtime", "profile", profile.ID),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		machine:    fsm.New(fsm.State(consts.StatusUnknown)),
		state:      State{Status: consts.StatusUnknown},
	}
	for _, opt := range opts {
		opt(r)
	}
	setupTransitions(r.machine, r.countTransition)
	monitor.SetServerStatus(profile.ID, consts.StatusUnknown)
	return r
}

// probeTarget maps each raw result to the status it drives.
var probeTarget = map[consts.ProbeResult]consts.ServerStatus{
	consts.ProbeNotInstalled:    consts.StatusUninstalled,
	consts.ProbeStopped:         consts.StatusStopped,
	consts.ProbeUnknown:         consts.StatusUnknown,
	consts.ProbeInitializing:    consts.StatusInitializing,
	consts.ProbeLocalSuccess:    consts.StatusRunning,
	consts.ProbeExternalSkipped: consts.StatusRunning,
	consts.ProbeExternalSuccess: consts.StatusRunning,
	consts.ProbePublished:       consts.StatusRunning,
}

// setupTransitions installs one edge per (status, raw result) pair. Updating
// has no edges. Stopping only follows results that show the process is gone
// or unknowable; Initializing and responding results are dropped there.
func setupTransitions(m *fsm.StateMachine, onTransition fsm.Handler) {
	for _, from := range consts.AllStatuses {
		if from == consts.StatusUpdating {
			continue
		}
		for _, res := range consts.AllProbeResults {
			if from == consts.StatusStopping && (res == consts.ProbeInitializing || res.Responding()) {
				continue
			}
			m.AddTransition(fsm.State(from), fsm.State(probeTarget[res]), fsm.Event(res), onTransition)
		}
	}
}

// countTransition runs inside Update with mu held; it must not touch r.state.
func (r *Runtime) countTransition(t fsm.Transition, _ ...interface{}) error {
	if t.From != t.To {
		monitor.StatusTransitions.WithLabelValues(r.profile.ID, string(t.From), string(t.To)).Inc()
	}
	return nil
}

// alertsOn reports whether a change from -> to is worth an alert.
func alertsOn(from, to consts.ServerStatus) bool {
	if from == to {
		return false
	}
	switch to {
	case consts.StatusRunning:
		return from != consts.StatusUnknown
	case consts.StatusStopped:
		return from == consts.StatusInitializing || from == consts.StatusRunning || from == consts.StatusStopping
	}
	return false
}

// nextAvailability derives reachability from one raw result.
func nextAvailability(prev consts.Availability, res consts.ProbeResult) consts.Availability {
	switch res {
	case consts.ProbePublished:
		return consts.AvailabilityAvailable
	case consts.ProbeExternalSuccess:
		return consts.AvailabilityPublicOnly
	case consts.ProbeExternalSkipped:
		if prev >= consts.AvailabilityPublicOnly {
			return prev
		}
		return consts.AvailabilityLocalOnly
	case consts.ProbeLocalSuccess:
		return consts.AvailabilityLocalOnly
	case consts.ProbeUnknown:
		return consts.AvailabilityUnknown
	default:
		return consts.AvailabilityUnavailable
	}
}

type notification struct {
	prev, next   State
	statusAlert  bool
	playersAlert bool
}

// Update applies one raw probe result.
func (r *Runtime) Update(res watcher.Result) {
	r.mu.Lock()
	prev := r.state

	if ev := fsm.Event(res.Probe); r.machine.Can(ev) {
		if _, err := r.machine.Fire(ev); err != nil {
			r.log.Warn("Transition handler failed", "result", res.Probe, "err", err)
		}
	} else {
		r.log.Debug("Raw result ignored", "status", prev.Status, "result", res.Probe)
	}
	r.state.Status = consts.ServerStatus(r.machine.Current())
	r.state.Availability = nextAvailability(prev.Availability, res.Probe)

	if res.Probe.Responding() {
		r.state.Players = res.Online
	} else {
		r.state.Players = 0
	}
	if res.Info != nil {
		r.state.MaxPlayers = res.Info.MaxPlayers
		if v := res.Info.ParsedVersion(); v != "" {
			r.state.Version = v
		}
	}

	n := notification{
		prev:         prev,
		next:         r.state,
		statusAlert:  alertsOn(prev.Status, r.state.Status),
		playersAlert: prev.Status == consts.StatusRunning && r.state.Status == consts.StatusRunning && prev.Players != r.state.Players,
	}
	r.syncBroadcastLocked()
	r.maybeCheckPackagesLocked()
	r.mu.Unlock()

	monitor.ServerPlayers.WithLabelValues(r.profile.ID).Set(float64(n.next.Players))
	r.notify(n)
}

// SetStatus moves the runtime to status directly. It is used by the
// upgrade pipeline and the stop command.
func (r *Runtime) SetStatus(status consts.ServerStatus) {
	r.mu.Lock()
	prev := r.state
	r.machine.Force(fsm.State(status))
	r.state.Status = status
	if status != consts.StatusRunning {
		r.state.Players = 0
	}
	n := notification{prev: prev, next: r.state, statusAlert: alertsOn(prev.Status, status)}
	r.syncBroadcastLocked()
	r.mu.Unlock()

	r.notify(n)
}

// SetVersion records the installed server version.
func (r *Runtime) SetVersion(version string) {
	r.mu.Lock()
	prev := r.state
	r.state.Version = version
	n := notification{prev: prev, next: r.state}
	r.mu.Unlock()

	r.notify(n)
}

// ResetPackageCheck makes the next Update refresh package status.
func (r *Runtime) ResetPackageCheck() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.LastPackageCheck = time.Time{}
}

// Snapshot returns the current state.
func (r *Runtime) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Profile returns the profile this runtime tracks.
func (r *Runtime) Profile() protocol.ProfileConfig {
	return r.profile
}

// Close stops background work and waits for in-flight package checks.
func (r *Runtime) Close() {
	r.mu.Lock()
	r.stopBroadcastLocked()
	// Cancelled under mu so no Update can start a check once Wait begins.
	r.cancel()
	r.mu.Unlock()
	r.checks.Wait()
}

func (r *Runtime) notify(n notification) {
	if n.prev.Status != n.next.Status {
		monitor.SetServerStatus(r.profile.ID, n.next.Status)
		r.log.Info("Status changed", "from", n.prev.Status, "to", n.next.Status)
	}
	if r.observer == nil {
		return
	}
	if n.prev != n.next {
		r.observer.StateChanged(r.profile.ID, n.prev, n.next)
	}
	if n.statusAlert {
		r.observer.Alert(r.profile.ID, AlertStatus, fmt.Sprintf("Server %s is now %s", r.profile.ID, n.next.Status))
	}
	if n.playersAlert {
		r.observer.Alert(r.profile.ID, AlertPlayers, fmt.Sprintf("Server %s has %d/%d players online", r.profile.ID, n.next.Players, n.next.MaxPlayers))
	}
}

func (r *Runtime) syncBroadcastLocked() {
	if r.state.Status == consts.StatusRunning && r.profile.BroadcastEnabled() && r.messenger != nil {
		if r.stopBroadcast == nil {
			r.stopBroadcast = make(chan struct{})
			go r.broadcastLoop(r.stopBroadcast, r.profile.BroadcastInterval, r.profile.BroadcastMessage)
		}
		return
	}
	r.stopBroadcastLocked()
}

func (r *Runtime) stopBroadcastLocked() {
	if r.stopBroadcast != nil {
		close(r.stopBroadcast)
		r.stopBroadcast = nil
	}
}

func (r *Runtime) broadcastLoop(stop <-chan struct{}, every time.Duration, message string) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if !r.messenger.SendMessage(r.ctx, message) {
				r.log.Warn("Broadcast message not delivered")
			}
		}
	}
}

// BroadcastActive reports whether the interval message timer is running.
func (r *Runtime) BroadcastActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopBroadcast != nil
}

func (r *Runtime) maybeCheckPackagesLocked() {
	if r.checker == nil || r.state.Status == consts.StatusUpdating || r.ctx.Err() != nil {
		return
	}
	now := r.now()
	if !r.state.LastPackageCheck.IsZero() && now.Sub(r.state.LastPackageCheck) <= consts.PackageStatusCooldown {
		return
	}
	r.state.LastPackageCheck = now

	r.checks.Add(1)
	go func() {
		defer r.checks.Done()
		st, err := r.checker.Check(r.ctx, r.profile.InstallDir, r.packageIDs)
		if err != nil {
			r.log.Warn("Package status check failed", "err", err)
			return
		}
		r.mu.Lock()
		prev := r.state
		r.state.PackagesTotal = st.Total
		r.state.PackagesOutOfDate = st.OutOfDate
		n := notification{prev: prev, next: r.state}
		r.mu.Unlock()
		r.notify(n)
	}()
}

// Personal.AI order the ending
