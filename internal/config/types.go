package config

// Config is the process configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets (control.token, storage.dsn, http.token, http.jwt_secret) can be left empty here and
// supplied through TGCAST_* environment variables or a .env file.
type Config struct {
	Control   ControlConfig    `json:"control"`
	HTTP      HTTPConfig       `json:"http"`
	Logging   LoggingConfig    `json:"logging"`
	Storage   StorageConfig    `json:"storage"`
	Messenger MessengerConfig  `json:"messenger"`
	Sender    SenderConfig     `json:"sender"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

// ControlConfig is the operator bot: owners send /run, /stop, ... to it and
// receive finish/error notifications.
type ControlConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChatID receives WARN+ log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// Notify sends campaign finish/error events to every owner.
	Notify      bool   `json:"notify"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// HTTPConfig controls the read/control HTTP API.
//
// Security note: bind to localhost or set a bearer token.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8085"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	// JWTSecret enables HS256 bearer tokens; the "sub" claim is recorded as
	// the actor in the audit log.
	JWTSecret   string   `json:"jwt_secret,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
	// Pprof mounts net/http/pprof under /debug (behind auth).
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// CampaignDir holds campaign_<id>.log files. Empty disables them.
	CampaignDir string          `json:"campaign_dir,omitempty"`
	Telegram    LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// MessengerConfig selects the driver used by account workers.
type MessengerConfig struct {
	Driver         string  `json:"driver"` // "botapi"
	SessionDir     string  `json:"session_dir"`
	APIURL         string  `json:"api_url,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	RequestTimeout string  `json:"request_timeout,omitempty"`
}

// SenderConfig tunes the delivery loop. Zero values use the defaults noted.
type SenderConfig struct {
	// ChatsDir resolves relative campaign chats_file paths.
	ChatsDir        string `json:"chats_dir,omitempty"`
	ParseMode       string `json:"parse_mode,omitempty"`       // "Markdown"
	DisablePreview  *bool  `json:"disable_preview,omitempty"`  // true
	JoinSettleMin   string `json:"join_settle_min,omitempty"`  // "3s"
	JoinSettleMax   string `json:"join_settle_max,omitempty"`  // "10s"
	CycleFloor      string `json:"cycle_floor,omitempty"`      // "10s"
	RateLimitGrace  string `json:"rate_limit_grace,omitempty"` // "5s"
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"` // "15s"
}

// ScheduleConfig starts and/or stops a campaign on cron specs
// (5-field, or with the "cron:" prefix; descriptors like "@daily" work too).
type ScheduleConfig struct {
	Name     string `json:"name"`
	Campaign string `json:"campaign"`
	Start    string `json:"start,omitempty"`
	Stop     string `json:"stop,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}
