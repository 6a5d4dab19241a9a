package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/Vigil/internal/monitor"
	"github.com/turtacn/Vigil/internal/query"
	"github.com/turtacn/Vigil/internal/upgrade"
	"github.com/turtacn/Vigil/internal/watcher"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/protocol"
)

type alert struct {
	kind AlertKind
	msg  string
}

type recordingObserver struct {
	mu      sync.Mutex
	alerts  []alert
	changes int
}

func (o *recordingObserver) StateChanged(string, State, State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes++
}

func (o *recordingObserver) Alert(_ string, kind AlertKind, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.alerts = append(o.alerts, alert{kind, msg})
}

func (o *recordingObserver) statusAlerts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, a := range o.alerts {
		if a.kind == AlertStatus {
			n++
		}
	}
	return n
}

func result(p consts.ProbeResult) watcher.Result {
	return watcher.Result{Probe: p}
}

func TestRuntime_RunningAlertOnce(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRuntime(protocol.ProfileConfig{ID: "island"}, WithObserver(obs))
	defer r.Close()

	r.Update(result(consts.ProbeStopped))
	assert.Zero(t, obs.statusAlerts(), "Unknown -> Stopped is not alerted")

	r.Update(result(consts.ProbeInitializing))
	r.Update(result(consts.ProbeLocalSuccess))
	r.Update(result(consts.ProbeLocalSuccess))
	assert.Equal(t, 1, obs.statusAlerts())
	assert.Equal(t, consts.StatusRunning, r.Snapshot().Status)
}

func TestRuntime_NeverAlertsOnUnknownEntry(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRuntime(protocol.ProfileConfig{ID: "island"}, WithObserver(obs))
	defer r.Close()

	seq := []consts.ProbeResult{
		consts.ProbeLocalSuccess, consts.ProbeUnknown, consts.ProbeLocalSuccess,
		consts.ProbeUnknown, consts.ProbeStopped, consts.ProbeUnknown, consts.ProbeInitializing,
		consts.ProbeUnknown, consts.ProbeNotInstalled, consts.ProbeUnknown,
	}
	alertsBefore := 0
	for _, p := range seq {
		r.Update(result(p))
		if p == consts.ProbeUnknown {
			assert.Equal(t, alertsBefore, obs.statusAlerts(), "alert on entry to Unknown")
		}
		alertsBefore = obs.statusAlerts()
	}
	// Unknown -> Running is silent as well.
	assert.Zero(t, obs.statusAlerts())
}

func TestAlertsOn(t *testing.T) {
	tests := []struct {
		from, to consts.ServerStatus
		want     bool
	}{
		{consts.StatusStopped, consts.StatusRunning, true},
		{consts.StatusInitializing, consts.StatusRunning, true},
		{consts.StatusUnknown, consts.StatusRunning, false},
		{consts.StatusRunning, consts.StatusRunning, false},
		{consts.StatusRunning, consts.StatusStopped, true},
		{consts.StatusStopping, consts.StatusStopped, true},
		{consts.StatusInitializing, consts.StatusStopped, true},
		{consts.StatusUninstalled, consts.StatusStopped, false},
		{consts.StatusUpdating, consts.StatusStopped, false},
		{consts.StatusRunning, consts.StatusUnknown, false},
		{consts.StatusRunning, consts.StatusInitializing, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, alertsOn(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestRuntime_UpdatingSuppressesRawResults(t *testing.T) {
	r := NewRuntime(protocol.ProfileConfig{ID: "island"})
	defer r.Close()

	r.SetStatus(consts.StatusUpdating)
	for _, p := range consts.AllProbeResults {
		r.Update(result(p))
		assert.Equal(t, consts.StatusUpdating, r.Snapshot().Status, "result %s", p)
	}
}

func TestRuntime_StoppingSuppression(t *testing.T) {
	tests := []struct {
		probe consts.ProbeResult
		want  consts.ServerStatus
	}{
		{consts.ProbeInitializing, consts.StatusStopping},
		{consts.ProbeLocalSuccess, consts.StatusStopping},
		{consts.ProbeExternalSkipped, consts.StatusStopping},
		{consts.ProbeExternalSuccess, consts.StatusStopping},
		{consts.ProbePublished, consts.StatusStopping},
		{consts.ProbeStopped, consts.StatusStopped},
		{consts.ProbeNotInstalled, consts.StatusUninstalled},
		{consts.ProbeUnknown, consts.StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.probe), func(t *testing.T) {
			r := NewRuntime(protocol.ProfileConfig{ID: "island"})
			defer r.Close()
			r.SetStatus(consts.StatusStopping)
			r.Update(result(tt.probe))
			assert.Equal(t, tt.want, r.Snapshot().Status)
		})
	}
}

func TestRuntime_Availability(t *testing.T) {
	r := NewRuntime(protocol.ProfileConfig{ID: "island"})
	defer r.Close()

	steps := []struct {
		probe consts.ProbeResult
		want  consts.Availability
	}{
		{consts.ProbeNotInstalled, consts.AvailabilityUnavailable},
		{consts.ProbeUnknown, consts.AvailabilityUnknown},
		{consts.ProbeLocalSuccess, consts.AvailabilityLocalOnly},
		{consts.ProbeExternalSkipped, consts.AvailabilityLocalOnly},
		{consts.ProbeExternalSuccess, consts.AvailabilityPublicOnly},
		{consts.ProbeExternalSkipped, consts.AvailabilityPublicOnly},
		{consts.ProbePublished, consts.AvailabilityAvailable},
		{consts.ProbeExternalSkipped, consts.AvailabilityAvailable},
		{consts.ProbeInitializing, consts.AvailabilityUnavailable},
	}
	for i, s := range steps {
		r.Update(result(s.probe))
		assert.Equal(t, s.want, r.Snapshot().Availability, "step %d (%s)", i, s.probe)
	}
}

func TestRuntime_PlayersAndVersion(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRuntime(protocol.ProfileConfig{ID: "island"}, WithObserver(obs))
	defer r.Close()

	info := &query.ServerInfo{Name: "Island - (v358.24)", MaxPlayers: 70, Version: "1.0"}
	r.Update(watcher.Result{Probe: consts.ProbeLocalSuccess, Info: info, Online: 3})
	st := r.Snapshot()
	assert.Equal(t, 3, st.Players)
	assert.Equal(t, 70, st.MaxPlayers)
	assert.Equal(t, "358.24", st.Version)

	r.Update(watcher.Result{Probe: consts.ProbeLocalSuccess, Info: info, Online: 5})
	r.Update(watcher.Result{Probe: consts.ProbeLocalSuccess, Info: info, Online: 5})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	players := 0
	for _, a := range obs.alerts {
		if a.kind == AlertPlayers {
			players++
			assert.Contains(t, a.msg, "5/70")
		}
	}
	assert.Equal(t, 1, players)
}

func TestRuntime_VersionKeptWithoutToken(t *testing.T) {
	r := NewRuntime(protocol.ProfileConfig{ID: "island"})
	defer r.Close()
	r.SetVersion("358.10")
	r.Update(watcher.Result{Probe: consts.ProbeStopped})
	assert.Equal(t, "358.10", r.Snapshot().Version)
}

type countingChecker struct {
	calls atomic.Int32
}

func (c *countingChecker) Check(context.Context, string, []string) (upgrade.PackageStatus, error) {
	c.calls.Add(1)
	return upgrade.PackageStatus{Total: 4, OutOfDate: 1}, nil
}

func TestRuntime_PackageCheckCooldown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	checker := &countingChecker{}
	r := NewRuntime(protocol.ProfileConfig{ID: "island", PackageIDs: []string{"1", "2"}}, WithChecker(checker), WithRuntimeClock(clock))
	defer r.Close()

	r.Update(result(consts.ProbeStopped))
	require.Eventually(t, func() bool { return r.Snapshot().PackagesTotal == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.Snapshot().PackagesOutOfDate)

	advance(10 * time.Minute)
	r.Update(result(consts.ProbeStopped))
	advance(5 * time.Minute)
	r.Update(result(consts.ProbeStopped))
	assert.Equal(t, int32(1), checker.calls.Load())

	advance(time.Second)
	r.Update(result(consts.ProbeStopped))
	require.Eventually(t, func() bool { return checker.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	r.ResetPackageCheck()
	r.Update(result(consts.ProbeStopped))
	require.Eventually(t, func() bool { return checker.calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

type countingMessenger struct {
	mu   sync.Mutex
	sent []string
}

func (m *countingMessenger) SendMessage(_ context.Context, text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	return true
}

func (m *countingMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func TestRuntime_BroadcastOnlyWhileRunning(t *testing.T) {
	msgr := &countingMessenger{}
	profile := protocol.ProfileConfig{
		ID:                "island",
		RconPort:          27020,
		BroadcastMessage:  "Join our discord",
		BroadcastInterval: 10 * time.Millisecond,
	}
	r := NewRuntime(profile, WithMessenger(msgr))
	defer r.Close()

	r.Update(result(consts.ProbeInitializing))
	assert.False(t, r.BroadcastActive())

	r.Update(result(consts.ProbeLocalSuccess))
	assert.True(t, r.BroadcastActive())
	require.Eventually(t, func() bool { return msgr.count() >= 2 }, time.Second, 5*time.Millisecond)

	r.Update(result(consts.ProbeStopped))
	assert.False(t, r.BroadcastActive())
	time.Sleep(30 * time.Millisecond)
	frozen := msgr.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frozen, msgr.count())
}

func TestRuntime_NoBroadcastWhenDisabled(t *testing.T) {
	r := NewRuntime(protocol.ProfileConfig{ID: "island"}, WithMessenger(&countingMessenger{}))
	defer r.Close()
	r.Update(result(consts.ProbeLocalSuccess))
	assert.False(t, r.BroadcastActive())
}

func TestRuntime_CountsProbeTransitions(t *testing.T) {
	r := NewRuntime(protocol.ProfileConfig{ID: "transitions"})
	defer r.Close()
	toStopped := monitor.StatusTransitions.WithLabelValues("transitions", string(consts.StatusUnknown), string(consts.StatusStopped))
	toRunning := monitor.StatusTransitions.WithLabelValues("transitions", string(consts.StatusStopped), string(consts.StatusRunning))

	r.Update(result(consts.ProbeStopped))
	r.Update(result(consts.ProbeStopped))
	r.Update(result(consts.ProbeLocalSuccess))
	r.SetStatus(consts.StatusUpdating)
	r.Update(result(consts.ProbeStopped))

	assert.Equal(t, 1.0, testutil.ToFloat64(toStopped), "self-loops are not counted")
	assert.Equal(t, 1.0, testutil.ToFloat64(toRunning))
	assert.Equal(t, consts.StatusUpdating, r.Snapshot().Status)
}

func TestRuntime_CloseWithConcurrentUpdates(t *testing.T) {
	checker := &countingChecker{}
	r := NewRuntime(protocol.ProfileConfig{ID: "closing"}, WithChecker(checker))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.ResetPackageCheck()
				r.Update(result(consts.ProbeStopped))
			}
		}()
	}
	r.Close()
	wg.Wait()

	before := checker.calls.Load()
	r.ResetPackageCheck()
	r.Update(result(consts.ProbeStopped))
	assert.Equal(t, before, checker.calls.Load(), "no check starts after Close")
}
