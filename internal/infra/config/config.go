package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"omniclaw/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	AssistantName string             `yaml:"assistant_name"`
	DataDir       string             `yaml:"data_dir"`
	GroupsDir     string             `yaml:"groups_dir"`
	Logger        LoggerConfig       `yaml:"logger"`
	Tracer        TracerConfig       `yaml:"tracer"`
	Store         StoreConfig        `yaml:"store"`
	Runner        RunnerConfig       `yaml:"runner"`
	IPC           IPCConfig          `yaml:"ipc"`
	Backends      BackendsConfig     `yaml:"backends"`
	Orchestrator  OrchestratorConfig `yaml:"orchestrator"`
	Channels      []ChannelConfig    `yaml:"channels"`
	Groups        []GroupConfig      `yaml:"groups"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Includes      []string           `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// StoreConfig holds SQLite store settings.
type StoreConfig struct {
	Path string `yaml:"path"` // empty = <data_dir>/omniclaw.db
}

// RunnerConfig holds agent run lifecycle settings.
type RunnerConfig struct {
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxStdoutBytes int           `yaml:"max_stdout_bytes"`
	MaxStderrBytes int           `yaml:"max_stderr_bytes"`
	KillGrace      time.Duration `yaml:"kill_grace"`
	// SuccessOnOutputAfterTimeout resolves a timed-out run that already
	// produced output as a success.
	SuccessOnOutputAfterTimeout bool `yaml:"success_on_output_after_timeout"`
}

// IPCConfig holds file-drop IPC settings.
type IPCConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxFileBytes int64         `yaml:"max_file_bytes"`
}

// BackendsConfig selects and configures agent backends.
type BackendsConfig struct {
	Default string               `yaml:"default"` // "local", "sandbox", "server"
	Local   LocalBackendConfig   `yaml:"local"`
	Sandbox SandboxBackendConfig `yaml:"sandbox"`
	Server  ServerBackendConfig  `yaml:"server"`
}

// LocalBackendConfig runs agents as local subprocesses, optionally inside a
// container runtime.
type LocalBackendConfig struct {
	Enabled bool `yaml:"enabled"`
	// Runtime is "docker", "podman" or "none" (run Command directly).
	Runtime         string            `yaml:"runtime"`
	Image           string            `yaml:"image"`
	Command         []string          `yaml:"command,omitempty"`
	ExtraArgs       []string          `yaml:"extra_args,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	ContainerPrefix string            `yaml:"container_prefix"`
}

// SandboxBackendConfig runs agents in a remote sandbox that exchanges
// input and output through an S3-compatible bucket.
type SandboxBackendConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Bucket       string        `yaml:"bucket"`
	Prefix       string        `yaml:"prefix"`
	Region       string        `yaml:"region"`
	Endpoint     string        `yaml:"endpoint,omitempty"`
	UsePathStyle bool          `yaml:"use_path_style,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ServerBackendConfig runs one long-lived HTTP agent server per group.
type ServerBackendConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Command         []string      `yaml:"command"`
	Host            string        `yaml:"host"`
	BasePort        int           `yaml:"base_port"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// OrchestratorConfig holds message loop settings.
type OrchestratorConfig struct {
	SendRate      float64 `yaml:"send_rate"` // messages per second per channel
	SendBurst     int     `yaml:"send_burst"`
	FailureNotice string  `yaml:"failure_notice"`

	// CloseAfter closes a live run's input once it has been quiet this
	// long after a reply; 0 disables.
	CloseAfter      time.Duration `yaml:"close_after"`
	ContextMessages int           `yaml:"context_messages"`
}

// ChannelConfig configures one chat platform adapter.
type ChannelConfig struct {
	Type string `yaml:"type"`

	// Per-channel nested config (only one should be set, matching Type).
	Telegram *TelegramChannelConfig `yaml:"telegram,omitempty"`
	Discord  *DiscordChannelConfig  `yaml:"discord,omitempty"`
	Slack    *SlackChannelConfig    `yaml:"slack,omitempty"`
	WhatsApp *WhatsAppChannelConfig `yaml:"whatsapp,omitempty"`
}

// TelegramChannelConfig holds Telegram channel settings.
type TelegramChannelConfig struct {
	Token string `yaml:"token"`
}

// DiscordChannelConfig holds Discord channel settings.
type DiscordChannelConfig struct {
	Token string `yaml:"token"`
}

// SlackChannelConfig holds Slack channel settings.
type SlackChannelConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

// WhatsAppChannelConfig holds WhatsApp Cloud API settings.
type WhatsAppChannelConfig struct {
	Token       string `yaml:"token"`
	PhoneID     string `yaml:"phone_id"`
	VerifyToken string `yaml:"verify_token"`
	AppSecret   string `yaml:"app_secret,omitempty"`
	WebhookAddr string `yaml:"webhook_addr,omitempty"`
}

// GroupConfig seeds one registered group.
type GroupConfig struct {
	Folder          string        `yaml:"folder"`
	Name            string        `yaml:"name"`
	JID             string        `yaml:"jid"`
	Channel         string        `yaml:"channel"`
	Backend         string        `yaml:"backend,omitempty"`
	IsMain          bool          `yaml:"is_main,omitempty"`
	RequiresTrigger *bool         `yaml:"requires_trigger,omitempty"` // nil = !is_main
	StartupTimeout  time.Duration `yaml:"startup_timeout,omitempty"`
	IdleTimeout     time.Duration `yaml:"idle_timeout,omitempty"`
}

// TriggerRequired resolves the requires_trigger default.
func (g GroupConfig) TriggerRequired() bool {
	if g.RequiresTrigger != nil {
		return *g.RequiresTrigger
	}
	return !g.IsMain
}

// SchedulerConfig holds scheduled prompt settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled prompt.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Group    string `yaml:"group"`
	Prompt   string `yaml:"prompt"`
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// defaultDataDir returns the persistent data directory under $HOME/.omniclaw.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".omniclaw")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		AssistantName: "Andy",
		DataDir:       dataDir,
		GroupsDir:     filepath.Join(dataDir, "groups"),
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Runner: RunnerConfig{
			StartupTimeout:              5 * time.Minute,
			IdleTimeout:                 30 * time.Minute,
			MaxStdoutBytes:              10 << 20,
			MaxStderrBytes:              10 << 20,
			KillGrace:                   10 * time.Second,
			SuccessOnOutputAfterTimeout: true,
		},
		IPC: IPCConfig{
			PollInterval: time.Second,
			MaxFileBytes: 1 << 20,
		},
		Backends: BackendsConfig{
			Default: "local",
			Local: LocalBackendConfig{
				Enabled:         true,
				Runtime:         "docker",
				Image:           "omniclaw-agent:latest",
				ContainerPrefix: "omniclaw",
			},
			Sandbox: SandboxBackendConfig{
				Prefix:       "omniclaw",
				PollInterval: 2 * time.Second,
			},
			Server: ServerBackendConfig{
				Command:         []string{"opencode", "serve"},
				Host:            "127.0.0.1",
				BasePort:        4096,
				ReadyTimeout:    30 * time.Second,
				RequestTimeout:  30 * time.Minute,
				BreakerFailures: 5,
				BreakerTimeout:  60 * time.Second,
			},
		},
		Orchestrator: OrchestratorConfig{
			SendRate:        1,
			SendBurst:       3,
			FailureNotice:   "Sorry, something went wrong while handling that. Please try again.",
			CloseAfter:      5 * time.Minute,
			ContextMessages: 50,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			finalize(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, cfg.Includes, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("OMNICLAW_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	finalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// finalize fills fields derived from other fields.
func finalize(cfg *Config) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "omniclaw.db")
	}
	if cfg.GroupsDir == "" {
		cfg.GroupsDir = filepath.Join(cfg.DataDir, "groups")
	}
}

// IPCRoot returns the root directory of per-group IPC folders.
func (c *Config) IPCRoot() string { return filepath.Join(c.DataDir, "ipc") }

// ApplyEnvOverrides maps OMNICLAW_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OMNICLAW_ASSISTANT_NAME"); v != "" {
		cfg.AssistantName = v
	}
	if v := os.Getenv("OMNICLAW_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("OMNICLAW_GROUPS_DIR"); v != "" {
		cfg.GroupsDir = v
	}
	if v := os.Getenv("OMNICLAW_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("OMNICLAW_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("OMNICLAW_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("OMNICLAW_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("OMNICLAW_BACKEND"); v != "" {
		cfg.Backends.Default = v
	}
	if v := os.Getenv("OMNICLAW_CONTAINER_RUNTIME"); v != "" {
		cfg.Backends.Local.Runtime = v
	}
	if v := os.Getenv("OMNICLAW_CONTAINER_IMAGE"); v != "" {
		cfg.Backends.Local.Image = v
	}
	if v := os.Getenv("OMNICLAW_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Runner.StartupTimeout = d
		}
	}
	if v := os.Getenv("OMNICLAW_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Runner.IdleTimeout = d
		}
	}
	if v := os.Getenv("OMNICLAW_MAX_OUTPUT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runner.MaxStdoutBytes = n
		}
	}
	if v := os.Getenv("OMNICLAW_SANDBOX_BUCKET"); v != "" {
		cfg.Backends.Sandbox.Bucket = v
	}
	if v := os.Getenv("OMNICLAW_SANDBOX_ENDPOINT"); v != "" {
		cfg.Backends.Sandbox.Endpoint = v
	}

	applyChannelToken(cfg, "telegram", "OMNICLAW_TELEGRAM_TOKEN", func(ch *ChannelConfig) *string {
		if ch.Telegram == nil {
			ch.Telegram = &TelegramChannelConfig{}
		}
		return &ch.Telegram.Token
	})
	applyChannelToken(cfg, "discord", "OMNICLAW_DISCORD_TOKEN", func(ch *ChannelConfig) *string {
		if ch.Discord == nil {
			ch.Discord = &DiscordChannelConfig{}
		}
		return &ch.Discord.Token
	})
	applyChannelToken(cfg, "slack", "OMNICLAW_SLACK_BOT_TOKEN", func(ch *ChannelConfig) *string {
		if ch.Slack == nil {
			ch.Slack = &SlackChannelConfig{}
		}
		return &ch.Slack.BotToken
	})
	applyChannelToken(cfg, "slack", "OMNICLAW_SLACK_APP_TOKEN", func(ch *ChannelConfig) *string {
		if ch.Slack == nil {
			ch.Slack = &SlackChannelConfig{}
		}
		return &ch.Slack.AppToken
	})
	applyChannelToken(cfg, "whatsapp", "OMNICLAW_WHATSAPP_TOKEN", func(ch *ChannelConfig) *string {
		if ch.WhatsApp == nil {
			ch.WhatsApp = &WhatsAppChannelConfig{}
		}
		return &ch.WhatsApp.Token
	})
}

// applyChannelToken fills an empty token of every channel of the given type
// from an env var.
func applyChannelToken(cfg *Config, channelType, env string, field func(*ChannelConfig) *string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	for i := range cfg.Channels {
		if cfg.Channels[i].Type != channelType {
			continue
		}
		if fp := field(&cfg.Channels[i]); *fp == "" {
			*fp = v
		}
	}
}

// decryptSecrets finds "enc:..." values in channel tokens and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Channels {
		var fields []*string
		ch := &cfg.Channels[i]
		if ch.Telegram != nil {
			fields = append(fields, &ch.Telegram.Token)
		}
		if ch.Discord != nil {
			fields = append(fields, &ch.Discord.Token)
		}
		if ch.Slack != nil {
			fields = append(fields, &ch.Slack.BotToken, &ch.Slack.AppToken)
		}
		if ch.WhatsApp != nil {
			fields = append(fields, &ch.WhatsApp.Token, &ch.WhatsApp.AppSecret, &ch.WhatsApp.VerifyToken)
		}
		for _, fp := range fields {
			if strings.HasPrefix(*fp, "enc:") {
				decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
				if err != nil {
					return fmt.Errorf("channel %s token: %w", ch.Type, err)
				}
				*fp = decrypted
			}
		}
	}

	for k, v := range cfg.Backends.Local.Env {
		if strings.HasPrefix(v, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(v, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("backends.local.env %s: %w", k, err)
			}
			cfg.Backends.Local.Env[k] = decrypted
		}
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

// Registered converts a seeded group into its runtime form.
func (g GroupConfig) Registered() domain.RegisteredGroup {
	return domain.RegisteredGroup{
		Folder:          g.Folder,
		Name:            g.Name,
		JID:             g.JID,
		Channel:         g.Channel,
		Backend:         g.Backend,
		IsMain:          g.IsMain,
		RequiresTrigger: g.TriggerRequired(),
		StartupTimeout:  g.StartupTimeout,
		IdleTimeout:     g.IdleTimeout,
	}
}
