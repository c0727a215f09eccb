package configuration

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const DefaultConfigPath = "config.json"

// Store backends
const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Duration reads "30s"-style strings from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %s", b)
		}
		*d = Duration(time.Duration(n) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type MongoConfig struct {
	Uri                     string `json:"uri"`
	Database                string `json:"database"`
	ConversationsCollection string `json:"conversationsCollection"`
	MessagesCollection      string `json:"messagesCollection"`
	PresenceCollection      string `json:"presenceCollection"`
	TypingCollection        string `json:"typingCollection"`
	UsersCollection         string `json:"usersCollection"`
}

type ServerConfig struct {
	AppPort        int      `json:"app_port"`
	SocketPort     int      `json:"socket_port"`
	SocketRoute    string   `json:"socket_route"`
	AllowedOrigins []string `json:"allowed_origins"`
	Debug          bool     `json:"debug"`
}

type ChatConfig struct {
	MessageWindow int64    `json:"message_window"`
	SearchLimit   int64    `json:"search_limit"`
	TypingIdle    Duration `json:"typing_idle"`
	TypingStale   Duration `json:"typing_stale"`
	NotifyTimeout Duration `json:"notify_timeout"`
}

type PresenceConfig struct {
	Heartbeat   Duration `json:"heartbeat"`
	AwayGrace   Duration `json:"away_grace"`
	StaleFactor int      `json:"stale_factor"`
}

type AuthConfig struct {
	JwtSecret string `json:"jwt_secret"`
	// AllowHeaderIdentity trusts X-User-ID when no secret is set. Development only.
	AllowHeaderIdentity bool `json:"allow_header_identity"`
}

type EmailConfig struct {
	ResendApiKey string `json:"resend_api_key"`
	From         string `json:"from"`
	AppURL       string `json:"app_url"`
}

type HubConfig struct {
	InboundRate    float64 `json:"inbound_rate"`
	InboundBurst   int     `json:"inbound_burst"`
	WorkerPoolSize int     `json:"worker_pool_size"`
	SendBuffer     int     `json:"send_buffer"`
}

type Config struct {
	Store    string         `json:"store"`
	Mongo    MongoConfig    `json:"mongo"`
	Server   ServerConfig   `json:"server"`
	Chat     ChatConfig     `json:"chat"`
	Presence PresenceConfig `json:"presence"`
	Auth     AuthConfig     `json:"auth"`
	Email    EmailConfig    `json:"email"`
	Hub      HubConfig      `json:"hub"`
}

// LoadConfig reads the JSON file at path, then .env and the process
// environment, which win over the file. A missing file is an error unless
// path is the default, in which case the environment alone configures the
// server.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	var config Config
	file, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(file, &config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath:
	default:
		return nil, err
	}

	_ = godotenv.Load()
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return &config, config.Validate()
}

func (c *Config) applyEnv() error {
	setString(&c.Store, "FLEET_STORE")
	setString(&c.Mongo.Uri, "MONGO_URI")
	setString(&c.Mongo.Database, "MONGO_DATABASE")
	setString(&c.Auth.JwtSecret, "JWT_SECRET")
	setString(&c.Email.ResendApiKey, "RESEND_API_KEY")
	setString(&c.Email.From, "EMAIL_FROM")
	setString(&c.Email.AppURL, "APP_URL")

	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, o)
			}
		}
	}
	if err := setInt(&c.Server.AppPort, "APP_PORT"); err != nil {
		return err
	}
	return setInt(&c.Server.SocketPort, "SOCKET_PORT")
}

func (c *Config) applyDefaults() {
	if c.Store == "" {
		c.Store = StoreMongo
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "fleet"
	}
	defaultString(&c.Mongo.ConversationsCollection, "conversations")
	defaultString(&c.Mongo.MessagesCollection, "messages")
	defaultString(&c.Mongo.PresenceCollection, "presence")
	defaultString(&c.Mongo.TypingCollection, "typing")
	defaultString(&c.Mongo.UsersCollection, "users")

	if c.Server.AppPort == 0 {
		c.Server.AppPort = 8080
	}
	defaultString(&c.Server.SocketRoute, "ws")
	c.Server.SocketRoute = strings.TrimPrefix(c.Server.SocketRoute, "/")

	if c.Chat.MessageWindow <= 0 {
		c.Chat.MessageWindow = 100
	}
	if c.Presence.Heartbeat <= 0 {
		c.Presence.Heartbeat = Duration(30 * time.Second)
	}
	if c.Presence.AwayGrace <= 0 {
		c.Presence.AwayGrace = Duration(60 * time.Second)
	}
	if c.Presence.StaleFactor <= 0 {
		c.Presence.StaleFactor = 2
	}
	if c.Chat.TypingIdle <= 0 {
		c.Chat.TypingIdle = Duration(3 * time.Second)
	}
	if c.Chat.TypingStale <= 0 {
		c.Chat.TypingStale = Duration(5 * time.Second)
	}
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMongo:
		if c.Mongo.Uri == "" {
			return errors.New("mongo.uri (or MONGO_URI) is required with the mongo store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Auth.JwtSecret == "" && !c.Auth.AllowHeaderIdentity {
		return errors.New("auth.jwt_secret (or JWT_SECRET) is required")
	}
	if c.Chat.TypingStale < c.Chat.TypingIdle {
		return errors.New("chat.typing_stale must not be shorter than chat.typing_idle")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func defaultString(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}
