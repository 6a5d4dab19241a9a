package protocol

import "time"

// Config represents the root configuration of a Vigil manager process.
type Config struct {
	Version       string              `yaml:"version"`
	Manager       ManagerConfig       `yaml:"manager" envconfig:"MANAGER"`
	Watcher       WatcherConfig       `yaml:"watcher" envconfig:"WATCHER"`
	Game          GameConfig          `yaml:"game" envconfig:"GAME"`
	Downloader    DownloaderConfig    `yaml:"downloader" envconfig:"DOWNLOADER"`
	Command       CommandConfig       `yaml:"command" envconfig:"COMMAND"`
	Profiles      []ProfileConfig     `yaml:"profiles" ignored:"true"`
	Observability ObservabilityConfig `yaml:"observability" envconfig:"OBSERVABILITY"`
}

type ManagerConfig struct {
	ID      string `yaml:"id" envconfig:"ID"` // Generated when empty
	Version string `yaml:"version" envconfig:"VERSION"`
}

type WatcherConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	QueryTimeout  time.Duration `yaml:"query_timeout" envconfig:"QUERY_TIMEOUT"`
	ExternalCheck ExternalCheck `yaml:"external_check" envconfig:"EXTERNAL_CHECK"`
}

// ExternalCheck configures the HTTP availability fallback.
// URL placeholders: {managerId}, {managerVersion}, {ip}, {port}.
type ExternalCheck struct {
	URL           string        `yaml:"url" envconfig:"URL"` // Empty disables the fallback
	Interval      time.Duration `yaml:"interval" envconfig:"INTERVAL"`
	Backoff       time.Duration `yaml:"backoff" envconfig:"BACKOFF"`
	RatePerMinute float64       `yaml:"rate_per_minute" envconfig:"RATE_PER_MINUTE"` // 0 means unlimited
}

type GameConfig struct {
	BinaryPath      string `yaml:"binary_path" envconfig:"BINARY_PATH"` // Relative to the install dir
	ProcessName     string `yaml:"process_name" envconfig:"PROCESS_NAME"`
	PortArgFormat   string `yaml:"port_arg_format" envconfig:"PORT_ARG_FORMAT"`
	AddressArgToken string `yaml:"address_arg_token" envconfig:"ADDRESS_ARG_TOKEN"`
	AddressArgFmt   string `yaml:"address_arg_format" envconfig:"ADDRESS_ARG_FORMAT"`
	ServerAppID     string `yaml:"server_app_id" envconfig:"SERVER_APP_ID"`
	PackageAppID    string `yaml:"package_app_id" envconfig:"PACKAGE_APP_ID"` // Owning app of add-on packages
	VersionFile     string `yaml:"version_file" envconfig:"VERSION_FILE"`
	PackageDir      string `yaml:"package_dir" envconfig:"PACKAGE_DIR"` // Relative to the install dir
	ShutdownCommand string `yaml:"shutdown_command" envconfig:"SHUTDOWN_COMMAND"`
}

type DownloaderConfig struct {
	Executable       string        `yaml:"executable" envconfig:"EXECUTABLE"`
	ServerCacheDir   string        `yaml:"server_cache_dir" envconfig:"SERVER_CACHE_DIR"`
	PackageCacheDir  string        `yaml:"package_cache_dir" envconfig:"PACKAGE_CACHE_DIR"`
	CaptureOutput    bool          `yaml:"capture_output" envconfig:"CAPTURE_OUTPUT"`
	ForceWithoutMeta bool          `yaml:"force_without_metadata" envconfig:"FORCE_WITHOUT_METADATA"`
	MetadataURL      string        `yaml:"metadata_url" envconfig:"METADATA_URL"`
	APIKey           string        `yaml:"api_key" envconfig:"API_KEY"`
	Timeout          time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	StopGrace        time.Duration `yaml:"stop_grace" envconfig:"STOP_GRACE"`
}

type CommandConfig struct {
	Retries        int           `yaml:"retries" envconfig:"RETRIES"`
	DialTimeout    time.Duration `yaml:"dial_timeout" envconfig:"DIAL_TIMEOUT"`
	SettleDelay    time.Duration `yaml:"settle_delay" envconfig:"SETTLE_DELAY"`
	PostSendDelay  time.Duration `yaml:"post_send_delay" envconfig:"POST_SEND_DELAY"`
	MessageKeyword string        `yaml:"message_keyword" envconfig:"MESSAGE_KEYWORD"`
}

// ProfileConfig describes one managed server instance.
type ProfileConfig struct {
	ID                string        `yaml:"id"`
	InstallDir        string        `yaml:"install_dir"`
	LocalIP           string        `yaml:"local_ip"` // Empty binds to all interfaces
	QueryPort         uint16        `yaml:"query_port"`
	PublicIP          string        `yaml:"public_ip"`
	PublicPort        uint16        `yaml:"public_port"` // Defaults to QueryPort
	RconPort          uint16        `yaml:"rcon_port"`
	RconPassword      string        `yaml:"rcon_password"`
	Branch            string        `yaml:"branch"`
	BranchPassword    string        `yaml:"branch_password"`
	MapPackageID      string        `yaml:"map_package_id"`
	TotalConversionID string        `yaml:"total_conversion_id"`
	PackageIDs        []string      `yaml:"package_ids"`
	BroadcastMessage  string        `yaml:"broadcast_message"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
}

type ObservabilityConfig struct {
	ListenAddr  string   `yaml:"listen_addr" envconfig:"LISTEN_ADDR"` // API and /metrics; empty disables
	APIToken    string   `yaml:"api_token" envconfig:"API_TOKEN"`     // Bearer token for mutating routes; empty disables auth
	CORSOrigins []string `yaml:"cors_origins" envconfig:"CORS_ORIGINS"`
	LogLevel    string   `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat   string   `yaml:"log_format" envconfig:"LOG_FORMAT"`
}

// Personal.AI order the ending
