package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Backend     BackendConfig     `json:"backend"`
	Generation  GenerationConfig  `json:"generation"`
	Delivery    DeliveryConfig    `json:"delivery"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Signals     SignalsConfig     `json:"signals"`
	Credentials CredentialsConfig `json:"credentials"`
	Schedule    ScheduleConfig    `json:"schedule"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Ops         OpsConfig         `json:"ops"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id (numeric) that receives log alerts.
	GroupLog    string `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// Workers bounds concurrent command handling. Default 1 keeps commands
	// in arrival order.
	Workers int `json:"workers,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// BackendConfig points at the HTTP collaborator that serves fetch-data,
// generate-message, send-signal and check-openai.
type BackendConfig struct {
	BaseURL string `json:"base_url"`
	// Timeout applies per request. "0s" or empty means no timeout.
	Timeout string `json:"timeout,omitempty"`
}

type GenerationConfig struct {
	// Provider is "backend" (default) or "gemini".
	Provider string `json:"provider,omitempty"`
	// Model is used by the gemini provider.
	Model string `json:"model,omitempty"`
}

type DeliveryConfig struct {
	// Sink is "telegram" (default) or "backend".
	Sink string `json:"sink,omitempty"`
	// Pacing is the pause between consecutive items. Default "1s".
	Pacing string `json:"pacing,omitempty"`
	// RatePerSec caps Telegram sends (including split chunks). Default 1.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type PipelineConfig struct {
	// Mode is "combined" (default) or "per_signal".
	Mode string `json:"mode,omitempty"`
}

type SignalsConfig struct {
	// Catalog overrides the built-in signal list.
	Catalog []string `json:"catalog,omitempty"`
	// Template is the initial prompt template.
	Template string `json:"template,omitempty"`
	// Selected is fetched on startup, in order.
	Selected []string `json:"selected,omitempty"`
}

// CredentialsConfig seeds the session credentials. The operator can change
// them at runtime; a reload only overrides values that changed in the file.
type CredentialsConfig struct {
	GenerationKey string `json:"generation_key,omitempty"`
	BotToken      string `json:"bot_token,omitempty"`
	ChannelID     string `json:"channel_id,omitempty"`
}

type ScheduleConfig struct {
	Timezone string         `json:"timezone,omitempty"`
	Autopost AutopostConfig `json:"autopost"`
}

// AutopostConfig runs generate+post on a schedule. Spec accepts cron
// expressions, "@every 30m", a bare duration, or an "HH:MM" interval.
type AutopostConfig struct {
	Enabled bool   `json:"enabled"`
	Spec    string `json:"spec,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig controls the run history.
//
//	"storage": { "driver": "sqlite", "path": "./sigcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// OpsConfig controls the local metrics/health listener.
//
// Prefer a loopback address. A non-loopback bind needs a token or
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
