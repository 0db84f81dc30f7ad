package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type DB struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"password"`
	Name     string `yaml:"database"`
	MaxConns int    `yaml:"max_conns"`
}

// DSN returns a pgx connection string.
func (d DB) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Pass, d.Host, d.Port, d.Name)
}

type MQ struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	User  string `yaml:"user"`
	Pass  string `yaml:"password"`
	VHost string `yaml:"vhost"`
}

type SQLite struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// LAN configures the local-network message channel.
type LAN struct {
	DeviceID          string        `yaml:"device_id"`
	Exchange          string        `yaml:"exchange"`
	Codec             string        `yaml:"codec"` // json | cbor
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
}

type Dispatch struct {
	Store             string        `yaml:"store"` // sqlite | postgres | memory
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	ProcessInterval   time.Duration `yaml:"process_interval"`
	ReconnectDebounce time.Duration `yaml:"reconnect_debounce"`
}

type Kitchen struct {
	Station           string        `yaml:"station"`
	UrgentAfter       time.Duration `yaml:"urgent_after"`
	CriticalAfter     time.Duration `yaml:"critical_after"`
	RecomputeInterval time.Duration `yaml:"recompute_interval"`
	AutoRemoveDelay   time.Duration `yaml:"auto_remove_delay"`
	ExitDelay         time.Duration `yaml:"exit_delay"`
	AlertInterval     time.Duration `yaml:"alert_interval"`
	SoundEnabled      bool          `yaml:"sound_enabled"`
	Sound             string        `yaml:"sound"` // bell | log
}

type HTTP struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Telegram struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type Log struct {
	Level string `yaml:"level"`
}

type App struct {
	Database DB       `yaml:"database"`
	Rabbit   MQ       `yaml:"rabbitmq"`
	SQLite   SQLite   `yaml:"sqlite"`
	LAN      LAN      `yaml:"lan"`
	Dispatch Dispatch `yaml:"dispatch"`
	Kitchen  Kitchen  `yaml:"kitchen"`
	HTTP     HTTP     `yaml:"http"`
	Telegram Telegram `yaml:"telegram"`
	Log      Log      `yaml:"log"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() App {
	return App{
		Database: DB{Port: 5432, MaxConns: 10},
		Rabbit:   MQ{Port: 5672, VHost: "/"},
		SQLite:   SQLite{Path: "kds-dispatch.db", PoolSize: 4},
		LAN: LAN{
			Exchange:          "kds_lan",
			Codec:             "json",
			ReconnectInterval: 5 * time.Second,
			SendTimeout:       5 * time.Second,
		},
		Dispatch: Dispatch{
			Store:             "sqlite",
			MaxAttempts:       10,
			BaseBackoff:       2 * time.Second,
			MaxBackoff:        60 * time.Second,
			AckTimeout:        2 * time.Second,
			ProcessInterval:   10 * time.Second,
			ReconnectDebounce: 500 * time.Millisecond,
		},
		Kitchen: Kitchen{
			Station:           "kitchen",
			UrgentAfter:       600 * time.Second,
			CriticalAfter:     900 * time.Second,
			RecomputeInterval: 30 * time.Second,
			AutoRemoveDelay:   5000 * time.Millisecond,
			ExitDelay:         300 * time.Millisecond,
			AlertInterval:     30 * time.Second,
			SoundEnabled:      true,
			Sound:             "bell",
		},
		HTTP: HTTP{Port: 3000},
		Log:  Log{Level: "info"},
	}
}

// Load reads .env (if present), the YAML file at path, then environment
// overrides. An empty path skips the file.
func Load(path string) (App, error) {
	_ = godotenv.Load()

	a := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return App{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &a); err != nil {
			return App{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&a)
	if err := a.Validate(); err != nil {
		return App{}, err
	}
	return a, nil
}

func applyEnv(a *App) {
	a.Database.Host = getEnv("KDS_DB_HOST", a.Database.Host)
	a.Database.Port = atoiDefault(getEnv("KDS_DB_PORT", ""), a.Database.Port)
	a.Database.User = getEnv("KDS_DB_USER", a.Database.User)
	a.Database.Pass = getEnv("KDS_DB_PASSWORD", a.Database.Pass)
	a.Database.Name = getEnv("KDS_DB_NAME", a.Database.Name)

	a.Rabbit.Host = getEnv("KDS_RABBITMQ_HOST", a.Rabbit.Host)
	a.Rabbit.User = getEnv("KDS_RABBITMQ_USER", a.Rabbit.User)
	a.Rabbit.Pass = getEnv("KDS_RABBITMQ_PASSWORD", a.Rabbit.Pass)

	a.LAN.DeviceID = getEnv("KDS_DEVICE_ID", a.LAN.DeviceID)
	a.Telegram.Token = getEnv("KDS_TELEGRAM_TOKEN", a.Telegram.Token)
	if v := getEnv("KDS_TELEGRAM_CHAT_ID", ""); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			a.Telegram.ChatID = id
		}
	}
	a.Log.Level = getEnv("KDS_LOG_LEVEL", a.Log.Level)
}

var (
	ErrInvalidConfig = errors.New("invalid config")
)

func (a App) Validate() error {
	var problems []string
	switch a.Dispatch.Store {
	case "sqlite":
		if a.SQLite.Path == "" {
			problems = append(problems, "sqlite.path is required for dispatch.store=sqlite")
		}
	case "postgres":
		if a.Database.Host == "" || a.Database.User == "" || a.Database.Name == "" {
			problems = append(problems, "database host/user/database are required for dispatch.store=postgres")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("dispatch.store %q is not one of sqlite|postgres|memory", a.Dispatch.Store))
	}
	switch a.LAN.Codec {
	case "json", "cbor":
	default:
		problems = append(problems, fmt.Sprintf("lan.codec %q is not one of json|cbor", a.LAN.Codec))
	}
	if a.Dispatch.MaxAttempts <= 0 {
		problems = append(problems, "dispatch.max_attempts must be positive")
	}
	if a.Dispatch.BaseBackoff <= 0 || a.Dispatch.MaxBackoff < a.Dispatch.BaseBackoff {
		problems = append(problems, "dispatch backoff must satisfy 0 < base_backoff <= max_backoff")
	}
	if a.Kitchen.UrgentAfter <= 0 || a.Kitchen.RecomputeInterval <= 0 || a.Kitchen.AlertInterval <= 0 {
		problems = append(problems, "kitchen urgent_after, recompute_interval and alert_interval must be positive")
	}
	if a.Kitchen.AutoRemoveDelay < time.Second {
		problems = append(problems, "kitchen.auto_remove_delay must be at least 1s")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// RabbitConfigured reports whether a broker host was given.
func (a App) RabbitConfigured() bool { return a.Rabbit.Host != "" }

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoiDefault(s string, d int) int {
	if s == "" {
		return d
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return n
}

// FindConfig returns the first existing default config location.
func FindConfig() (string, error) {
	candidates := []string{"config.yaml", "deploy/config.example.yaml"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fs.ErrNotExist
}
