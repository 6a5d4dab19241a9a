package consts

import "time"

// ServerStatus is the derived lifecycle state of a managed game server.
type ServerStatus string

const (
	StatusUnknown      ServerStatus = "UNKNOWN"
	StatusUninstalled  ServerStatus = "UNINSTALLED"
	StatusStopped      ServerStatus = "STOPPED"
	StatusInitializing ServerStatus = "INITIALIZING" // Process found, query port silent
	StatusRunning      ServerStatus = "RUNNING"
	StatusStopping     ServerStatus = "STOPPING" // Shutdown command in flight
	StatusUpdating     ServerStatus = "UPDATING" // Upgrade pipeline owns the install dir
)

// AllStatuses lists every ServerStatus in declaration order.
var AllStatuses = []ServerStatus{
	StatusUnknown,
	StatusUninstalled,
	StatusStopped,
	StatusInitializing,
	StatusRunning,
	StatusStopping,
	StatusUpdating,
}

// Availability classifies how reachable a server is. Values are ordered:
// a higher value means stronger evidence of reachability.
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityUnavailable
	AvailabilityLocalOnly
	AvailabilityPublicOnly
	AvailabilityAvailable
)

func (a Availability) String() string {
	switch a {
	case AvailabilityUnavailable:
		return "UNAVAILABLE"
	case AvailabilityLocalOnly:
		return "LOCAL_ONLY"
	case AvailabilityPublicOnly:
		return "PUBLIC_ONLY"
	case AvailabilityAvailable:
		return "AVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the availability by name for JSON and YAML output.
func (a Availability) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses a name produced by MarshalText. Unrecognised names
// decode as AvailabilityUnknown.
func (a *Availability) UnmarshalText(text []byte) error {
	*a = AvailabilityUnknown
	for v := AvailabilityUnavailable; v <= AvailabilityAvailable; v++ {
		if v.String() == string(text) {
			*a = v
			break
		}
	}
	return nil
}

// ProbeResult is the raw classification produced by one watcher probe.
type ProbeResult string

const (
	ProbeNotInstalled    ProbeResult = "NOT_INSTALLED"
	ProbeStopped         ProbeResult = "STOPPED"
	ProbeUnknown         ProbeResult = "UNKNOWN"
	ProbeInitializing    ProbeResult = "INITIALIZING"
	ProbeLocalSuccess    ProbeResult = "LOCAL_SUCCESS"
	ProbeExternalSkipped ProbeResult = "EXTERNAL_SKIPPED" // HTTP fallback still cooling down
	ProbeExternalSuccess ProbeResult = "EXTERNAL_SUCCESS" // HTTP fallback confirmed reachability
	ProbePublished       ProbeResult = "PUBLISHED"        // Public endpoint answered directly
)

// AllProbeResults lists every ProbeResult in declaration order.
var AllProbeResults = []ProbeResult{
	ProbeNotInstalled,
	ProbeStopped,
	ProbeUnknown,
	ProbeInitializing,
	ProbeLocalSuccess,
	ProbeExternalSkipped,
	ProbeExternalSuccess,
	ProbePublished,
}

// Responding reports whether the local query endpoint answered.
func (r ProbeResult) Responding() bool {
	switch r {
	case ProbeLocalSuccess, ProbeExternalSkipped, ProbeExternalSuccess, ProbePublished:
		return true
	}
	return false
}

// Timing defaults.
const (
	DefaultPollInterval          = 5 * time.Second
	DefaultQueryTimeout          = 3 * time.Second
	DefaultExternalCheckInterval = 5 * time.Minute
	DefaultExternalBackoff       = 15 * time.Second
	PackageStatusCooldown        = 15 * time.Minute
	DefaultSettleDelay           = 500 * time.Millisecond
	DefaultPostSendDelay         = 2 * time.Second
	DefaultStopGrace             = 60 * time.Second
)

// Command channel defaults.
const (
	DefaultCommandRetries = 3
	DefaultMessageKeyword = "broadcast"
	DefaultShutdownCmd    = "DoExit"
)

// Environment prefix for configuration overrides.
const EnvPrefix = "VIGIL"

// Personal.AI order the ending
