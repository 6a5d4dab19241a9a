package protocol

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load reads configFile (if present), applies VIGIL_* environment overrides,
// fills defaults and validates the result.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.New(errors.ErrCodeConfigInvalid, "LoadConfig", "failed to read config file", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.New(errors.ErrCodeConfigInvalid, "LoadConfig", "failed to parse config file", err)
		}
	}

	if err := envconfig.Process(consts.EnvPrefix, cfg); err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "LoadConfig", "failed to process environment variables", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with defaults for an ARK: Survival Evolved dedicated server.
func Default() *Config {
	return &Config{
		Manager: ManagerConfig{Version: "1.0.0"},
		Watcher: WatcherConfig{
			PollInterval: consts.DefaultPollInterval,
			QueryTimeout: consts.DefaultQueryTimeout,
			ExternalCheck: ExternalCheck{
				Interval: consts.DefaultExternalCheckInterval,
				Backoff:  consts.DefaultExternalBackoff,
			},
		},
		Game: GameConfig{
			BinaryPath:      "ShooterGame/Binaries/Linux/ShooterGameServer",
			ProcessName:     "ShooterGameServer",
			PortArgFormat:   "?QueryPort=%d",
			AddressArgToken: "?MultiHome=",
			AddressArgFmt:   "?MultiHome=%s",
			ServerAppID:     "376030",
			PackageAppID:    "346110",
			VersionFile:     "version.txt",
			PackageDir:      "ShooterGame/Content/Mods",
			ShutdownCommand: consts.DefaultShutdownCmd,
		},
		Downloader: DownloaderConfig{
			Executable:    "steamcmd",
			CaptureOutput: true,
			MetadataURL:   "https://api.steampowered.com/ISteamRemoteStorage/GetPublishedFileDetails/v1/",
			StopGrace:     consts.DefaultStopGrace,
		},
		Command: CommandConfig{
			Retries:        consts.DefaultCommandRetries,
			DialTimeout:    5 * time.Second,
			SettleDelay:    consts.DefaultSettleDelay,
			PostSendDelay:  consts.DefaultPostSendDelay,
			MessageKeyword: consts.DefaultMessageKeyword,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Manager.ID == "" {
		c.Manager.ID = uuid.NewString()
	}
	if c.Watcher.PollInterval <= 0 {
		c.Watcher.PollInterval = consts.DefaultPollInterval
	}
	if c.Watcher.QueryTimeout <= 0 {
		c.Watcher.QueryTimeout = consts.DefaultQueryTimeout
	}
	if c.Watcher.ExternalCheck.Backoff <= 0 {
		c.Watcher.ExternalCheck.Backoff = consts.DefaultExternalBackoff
	}
	if c.Watcher.ExternalCheck.Interval <= 0 {
		c.Watcher.ExternalCheck.Interval = consts.DefaultExternalCheckInterval
	}
	if c.Command.Retries <= 0 {
		c.Command.Retries = consts.DefaultCommandRetries
	}
	for i := range c.Profiles {
		if c.Profiles[i].PublicPort == 0 {
			c.Profiles[i].PublicPort = c.Profiles[i].QueryPort
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Profiles))
	for i, p := range c.Profiles {
		op := fmt.Sprintf("profiles[%d]", i)
		if p.ID == "" {
			return errors.New(errors.ErrCodeConfigInvalid, op, "id is required", nil)
		}
		if seen[p.ID] {
			return errors.New(errors.ErrCodeConfigInvalid, op, "duplicate id "+p.ID, nil)
		}
		seen[p.ID] = true
		if p.InstallDir == "" {
			return errors.New(errors.ErrCodeConfigInvalid, op, "install_dir is required", nil)
		}
		if p.QueryPort == 0 {
			return errors.New(errors.ErrCodeConfigInvalid, op, "query_port is required", nil)
		}
		for _, ip := range []string{p.LocalIP, p.PublicIP} {
			if ip == "" {
				continue
			}
			if _, err := netip.ParseAddr(ip); err != nil {
				return errors.New(errors.ErrCodeConfigInvalid, op, "invalid ip "+ip, err)
			}
		}
		if p.BroadcastInterval < 0 {
			return errors.New(errors.ErrCodeConfigInvalid, op, "broadcast_interval must not be negative", nil)
		}
	}
	return nil
}

// Profile returns the profile with the given id.
func (c *Config) Profile(id string) (ProfileConfig, bool) {
	for _, p := range c.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return ProfileConfig{}, false
}

// LocalEndpoint is the query endpoint on the local network. An empty
// LocalIP queries the loopback address.
func (p ProfileConfig) LocalEndpoint() netip.AddrPort {
	addr := netip.IPv4Unspecified()
	if a, err := netip.ParseAddr(p.LocalIP); err == nil {
		addr = a
	}
	if addr.IsUnspecified() {
		addr = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	return netip.AddrPortFrom(addr, p.QueryPort)
}

// BindAddr is the address the server process was told to bind, or the
// zero Addr when it binds to all interfaces.
func (p ProfileConfig) BindAddr() netip.Addr {
	a, err := netip.ParseAddr(p.LocalIP)
	if err != nil || a.IsUnspecified() {
		return netip.Addr{}
	}
	return a
}

// PublicEndpoint is the internet-facing query endpoint; invalid when no public IP is known.
func (p ProfileConfig) PublicEndpoint() netip.AddrPort {
	a, err := netip.ParseAddr(p.PublicIP)
	if err != nil {
		return netip.AddrPort{}
	}
	port := p.PublicPort
	if port == 0 {
		port = p.QueryPort
	}
	return netip.AddrPortFrom(a, port)
}

// RconAddress is the TCP address of the command channel.
func (p ProfileConfig) RconAddress() string {
	return net.JoinHostPort(p.LocalEndpoint().Addr().String(), strconv.Itoa(int(p.RconPort)))
}

// BroadcastEnabled reports whether interval messages are configured.
func (p ProfileConfig) BroadcastEnabled() bool {
	return p.BroadcastMessage != "" && p.BroadcastInterval > 0 && p.RconPort != 0
}

// Personal.AI order the ending
