package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/hourboost.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/hourboost.log"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev       bool   `envconfig:"LOG_DEV" default:"false"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`

	// Extra hosts (path.Match patterns) allowed to open the event stream
	// besides the dashboard's own origin.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`

	// Fernet key used for account secrets. Generated and stored in the
	// settings table when empty.
	SecretKey string `envconfig:"SECRET_KEY" default:""`

	// Platform client
	PlatformDriver    string        `envconfig:"PLATFORM_DRIVER" default:"loopback"`
	MachineNamePrefix string        `envconfig:"MACHINE_NAME_PREFIX" default:"HB"`
	ClientTimeout     time.Duration `envconfig:"CLIENT_TIMEOUT" default:"30s"`

	// Session lifecycle
	FlushInterval    time.Duration `envconfig:"FLUSH_INTERVAL" default:"5m"`
	MinFlush         time.Duration `envconfig:"MIN_FLUSH" default:"1m"`
	FlushRetries     int           `envconfig:"FLUSH_RETRIES" default:"3"`
	FlushRetryDelay  time.Duration `envconfig:"FLUSH_RETRY_DELAY" default:"1s"`
	ChallengeTimeout time.Duration `envconfig:"CHALLENGE_TIMEOUT" default:"3m"`
	RecoveryStagger  time.Duration `envconfig:"RECOVERY_STAGGER" default:"5s"`
	ReconnectPolicy  string        `envconfig:"RECONNECT_POLICY" default:"startup"`

	// Notifications
	NotifyWebhookURL string `envconfig:"NOTIFY_WEBHOOK_URL" default:""`
	NotifyQueueSize  int    `envconfig:"NOTIFY_QUEUE_SIZE" default:"256"`

	// Leaderboard resource metadata
	AppCacheDir   string `envconfig:"APP_CACHE_DIR" default:"/app/data/app_cache"`
	AppDetailsURL string `envconfig:"APP_DETAILS_URL" default:"https://store.steampowered.com/api/appdetails"`
	AppImageURL   string `envconfig:"APP_IMAGE_URL" default:"https://cdn.cloudflare.steamstatic.com/steam/apps/%d/capsule_184x69.jpg"`

	StatusFile string `envconfig:"STATUS_FILE" default:"/app/data/status.json"`

	LoginRatePerMinute int `envconfig:"LOGIN_RATE_PER_MINUTE" default:"10"`
	MaxHandleLength    int `envconfig:"MAX_HANDLE_LENGTH" default:"64"`
	MaxPasswordLength  int `envconfig:"MAX_PASSWORD_LENGTH" default:"128"`
}

const (
	ReconnectStartup = "startup"
	ReconnectOnDrop  = "on-drop"
)

var Cfg Settings

// Load reads HOURBOOST_* environment variables into Cfg.
func Load() error {
	if err := envconfig.Process("HOURBOOST", &Cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return Cfg.Validate()
}

func (s Settings) Validate() error {
	switch s.ReconnectPolicy {
	case ReconnectStartup, ReconnectOnDrop:
	default:
		return fmt.Errorf("invalid RECONNECT_POLICY %q (want %q or %q)", s.ReconnectPolicy, ReconnectStartup, ReconnectOnDrop)
	}
	if s.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be positive")
	}
	if s.FlushRetries < 1 {
		return fmt.Errorf("FLUSH_RETRIES must be at least 1")
	}
	return nil
}
