package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
)

// Prefix of every environment variable, e.g. CHAT_JWT_SECRET.
const Prefix = "CHAT"

type Config struct {
	APIListenAddr string `envconfig:"API_LISTEN_ADDR" default:":8080"`
	WSListenAddr  string `envconfig:"WS_LISTEN_ADDR" default:":8888"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	JWTSecret  string `envconfig:"JWT_SECRET" required:"true"`
	BadgerPath string `envconfig:"BADGER_PATH" default:"./data/badger"`
	UploadDir  string `envconfig:"UPLOAD_DIR" default:"./data/uploads"`
	SeedFile   string `envconfig:"SEED_FILE"`

	// empty address keeps presence in process memory
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"chat"`
	NodeID        string `envconfig:"NODE_ID"`

	PingInterval     time.Duration `envconfig:"PING_INTERVAL" default:"25s"`
	HeartbeatTimeout time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"60s"`
	PresenceTTL      time.Duration `envconfig:"PRESENCE_TTL" default:"90s"`

	MaxFrameSize     int64         `envconfig:"MAX_FRAME_SIZE" default:"1048576"`
	MaxContentLength int           `envconfig:"MAX_CONTENT_LENGTH" default:"4096"`
	MaxChunks        int           `envconfig:"MAX_CHUNKS" default:"10000"`
	TransferTTL      time.Duration `envconfig:"TRANSFER_TTL" default:"2m"`
	OutboundQueueLen int           `envconfig:"OUTBOUND_QUEUE_LEN" default:"256"`
	HistoryLimit     int           `envconfig:"HISTORY_LIMIT" default:"50"`
	BoardStrokeLimit int           `envconfig:"BOARD_STROKE_LIMIT" default:"2000"`
}

// Load reads an optional env file, then the environment, then applies
// command line overrides from args.
func Load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("chat-realtime", pflag.ContinueOnError)
	var (
		envFile       = flags.StringP("env-file", "e", ".env", "env file to load before reading the environment")
		apiListenAddr = flags.StringP("api-listen-addr", "a", "", "api listen address")
		wsListenAddr  = flags.StringP("ws-listen-addr", "w", "", "websocket listen address")
		logLevel      = flags.StringP("log-level", "l", "", "log level")
	)
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("cannot parse command line: %w", err)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot load env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, err
	}

	if flags.Changed("api-listen-addr") {
		cfg.APIListenAddr = *apiListenAddr
	}
	if flags.Changed("ws-listen-addr") {
		cfg.WSListenAddr = *wsListenAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if cfg.HeartbeatTimeout <= cfg.PingInterval {
		return nil, errors.New("heartbeat timeout must exceed ping interval")
	}
	// presence is refreshed on every ping tick
	if cfg.PresenceTTL <= cfg.PingInterval {
		return nil, errors.New("presence ttl must exceed ping interval")
	}
	return &cfg, nil
}
