package supervisor

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/turtacn/Vigil/pkg/logger"
)

// ProcessInfo identifies one OS process by pid and its full command line.
type ProcessInfo struct {
	PID     int
	Cmdline string
}

// ProcessSource enumerates OS processes by executable name.
type ProcessSource interface {
	ProcessesByName(name string) ([]ProcessInfo, error)
}

// Presence is the outcome of locating a server process.
type Presence int

const (
	PresenceUnknown      Presence = iota // Enumeration failed
	PresenceNotInstalled                 // Binary absent
	PresenceStopped                      // Binary present, no matching process
	PresenceRunning                      // Matching process found
)

func (p Presence) String() string {
	switch p {
	case PresenceNotInstalled:
		return "not-installed"
	case PresenceStopped:
		return "stopped"
	case PresenceRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Location is the result of Locate. Process is set only when Presence is PresenceRunning.
type Location struct {
	Presence Presence
	Process  *ProcessInfo
}

// LocatorConfig describes how a server binary and its arguments look on disk
// and on the command line.
type LocatorConfig struct {
	BinaryPath      string // Relative to the install directory
	ProcessName     string
	PortArgFormat   string // e.g. "?QueryPort=%d"
	AddressArgToken string // Presence of this token means the process was bound to a specific address
	AddressArgFmt   string // e.g. "?MultiHome=%s"
}

// Locator finds the live process that belongs to a managed install.
type Locator struct {
	cfg    LocatorConfig
	source ProcessSource
	log    logger.Logger
}

// NewLocator creates a Locator. A nil source enumerates /proc.
func NewLocator(cfg LocatorConfig, source ProcessSource) *Locator {
	if source == nil {
		source = ProcFS{Root: "/proc"}
	}
	return &Locator{cfg: cfg, source: source, log: logger.Log.With("component", "locator")}
}

// BinaryPath returns the absolute path of the server binary in installDir.
func (l *Locator) BinaryPath(installDir string) string {
	return filepath.Join(installDir, filepath.FromSlash(l.cfg.BinaryPath))
}

// Installed reports whether the server binary exists in installDir.
func (l *Locator) Installed(installDir string) bool {
	info, err := os.Stat(l.BinaryPath(installDir))
	return err == nil && !info.IsDir()
}

// Locate classifies the server in installDir that should serve port, bound to
// bindAddr when valid. The first structurally matching process wins.
func (l *Locator) Locate(installDir string, bindAddr netip.Addr, port uint16) Location {
	binary := l.BinaryPath(installDir)
	if !l.Installed(installDir) {
		return Location{Presence: PresenceNotInstalled}
	}

	procs, err := l.source.ProcessesByName(l.cfg.ProcessName)
	if err != nil {
		l.log.Warn("Process enumeration failed", "name", l.cfg.ProcessName, "err", err)
		return Location{Presence: PresenceUnknown}
	}

	for i := range procs {
		if l.matches(procs[i].Cmdline, binary, bindAddr, port) {
			p := procs[i]
			return Location{Presence: PresenceRunning, Process: &p}
		}
	}
	return Location{Presence: PresenceStopped}
}

func (l *Locator) matches(cmdline, binary string, bindAddr netip.Addr, port uint16) bool {
	if !strings.HasPrefix(cmdline, binary) && !strings.HasPrefix(cmdline, `"`+binary+`"`) {
		return false
	}

	if !containsToken(cmdline, fmt.Sprintf(l.cfg.PortArgFormat, port)) {
		return false
	}

	// No address token at all binds every interface, which serves any address.
	if l.cfg.AddressArgToken == "" || !strings.Contains(cmdline, l.cfg.AddressArgToken) {
		return true
	}
	if !bindAddr.IsValid() {
		return false
	}
	return containsToken(cmdline, fmt.Sprintf(l.cfg.AddressArgFmt, bindAddr.String()))
}

// containsToken is strings.Contains that refuses a match continuing with a
// digit or dot, so "?QueryPort=2701" does not match "?QueryPort=27015".
func containsToken(s, token string) bool {
	for from := 0; ; {
		i := strings.Index(s[from:], token)
		if i < 0 {
			return false
		}
		end := from + i + len(token)
		if end == len(s) || !isNumberByte(s[end]) {
			return true
		}
		from = from + i + 1
	}
}

func isNumberByte(b byte) bool {
	return (b >= '0' && b <= '9') || b == '.'
}

// ProcFS enumerates processes from a Linux procfs mount.
type ProcFS struct {
	Root string
}

// ProcessesByName lists processes whose comm name equals name. Processes that
// exit during enumeration are skipped.
func (p ProcFS) ProcessesByName(name string) ([]ProcessInfo, error) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return nil, err
	}

	var out []ProcessInfo
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(p.Root, e.Name(), "comm"))
		if err != nil {
			continue
		}
		// comm is truncated to 15 bytes by the kernel.
		c := strings.TrimSpace(string(comm))
		if c != name && !(len(c) == 15 && strings.HasPrefix(name, c)) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(p.Root, e.Name(), "cmdline"))
		if err != nil || len(raw) == 0 {
			continue
		}
		args := bytes.Split(bytes.TrimRight(raw, "\x00"), []byte{0})
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = string(a)
		}
		out = append(out, ProcessInfo{PID: pid, Cmdline: strings.Join(parts, " ")})
	}
	return out, nil
}

// Personal.AI order the ending
