package supervisor

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	procs []ProcessInfo
	err   error
}

func (f fakeSource) ProcessesByName(string) ([]ProcessInfo, error) {
	return f.procs, f.err
}

var testLocatorConfig = LocatorConfig{
	BinaryPath:      "bin/GameServer",
	ProcessName:     "GameServer",
	PortArgFormat:   "?QueryPort=%d",
	AddressArgToken: "?MultiHome=",
	AddressArgFmt:   "?MultiHome=%s",
}

func installBinary(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin", "GameServer")
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0o755))
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	return dir
}

func TestLocate_NotInstalled(t *testing.T) {
	l := NewLocator(testLocatorConfig, fakeSource{})
	loc := l.Locate(t.TempDir(), netip.Addr{}, 27015)
	assert.Equal(t, PresenceNotInstalled, loc.Presence)
	assert.Nil(t, loc.Process)
}

func TestLocate_EnumerationFailure(t *testing.T) {
	dir := installBinary(t)
	l := NewLocator(testLocatorConfig, fakeSource{err: errors.New("permission denied")})
	assert.Equal(t, PresenceUnknown, l.Locate(dir, netip.Addr{}, 27015).Presence)
}

func TestLocate_Matching(t *testing.T) {
	dir := installBinary(t)
	bin := filepath.Join(dir, "bin", "GameServer")
	other := filepath.Join(t.TempDir(), "bin", "GameServer")
	bound := netip.MustParseAddr("10.0.0.5")

	cases := []struct {
		name    string
		cmdline string
		addr    netip.Addr
		want    Presence
	}{
		{"plain", bin + " TheIsland?QueryPort=27015?Port=7777", netip.Addr{}, PresenceRunning},
		{"quoted binary", `"` + bin + `" TheIsland?QueryPort=27015`, netip.Addr{}, PresenceRunning},
		{"other install", other + " TheIsland?QueryPort=27015", netip.Addr{}, PresenceStopped},
		{"other port", bin + " TheIsland?QueryPort=27016", netip.Addr{}, PresenceStopped},
		{"port prefix only", bin + " TheIsland?QueryPort=270150", netip.Addr{}, PresenceStopped},
		{"no address token is a wildcard", bin + " TheIsland?QueryPort=27015", bound, PresenceRunning},
		{"address token matches", bin + " TheIsland?QueryPort=27015?MultiHome=10.0.0.5", bound, PresenceRunning},
		{"address token differs", bin + " TheIsland?QueryPort=27015?MultiHome=10.0.0.6", bound, PresenceStopped},
		{"address token but none configured", bin + " TheIsland?QueryPort=27015?MultiHome=10.0.0.5", netip.Addr{}, PresenceStopped},
		{"loopback address token matches", bin + " TheIsland?MultiHome=127.0.0.1?QueryPort=27015", netip.MustParseAddr("127.0.0.1"), PresenceRunning},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewLocator(testLocatorConfig, fakeSource{procs: []ProcessInfo{{PID: 42, Cmdline: tc.cmdline}}})
			loc := l.Locate(dir, tc.addr, 27015)
			assert.Equal(t, tc.want, loc.Presence)
			if tc.want == PresenceRunning {
				require.NotNil(t, loc.Process)
				assert.Equal(t, 42, loc.Process.PID)
			}
		})
	}
}

func TestLocate_FirstMatchWins(t *testing.T) {
	dir := installBinary(t)
	bin := filepath.Join(dir, "bin", "GameServer")
	l := NewLocator(testLocatorConfig, fakeSource{procs: []ProcessInfo{
		{PID: 1, Cmdline: bin + " ?QueryPort=1"},
		{PID: 2, Cmdline: bin + " ?QueryPort=27015"},
		{PID: 3, Cmdline: bin + " ?QueryPort=27015"},
	}})
	loc := l.Locate(dir, netip.Addr{}, 27015)
	require.Equal(t, PresenceRunning, loc.Presence)
	assert.Equal(t, 2, loc.Process.PID)
}

func TestProcFS_ProcessesByName(t *testing.T) {
	root := t.TempDir()
	writeProc := func(pid, comm, cmdline string) {
		dir := filepath.Join(root, pid)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o644))
	}
	writeProc("100", "ShooterGameServ", "/srv/ShooterGameServer\x00TheIsland?QueryPort=27015\x00-log\x00")
	writeProc("101", "bash", "bash\x00")
	writeProc("102", "ShooterGameServ", "")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))

	procs, err := ProcFS{Root: root}.ProcessesByName("ShooterGameServer")
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, 100, procs[0].PID)
	assert.Equal(t, "/srv/ShooterGameServer TheIsland?QueryPort=27015 -log", procs[0].Cmdline)
}
