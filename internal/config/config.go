package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/chadiek/voice-assistant/internal/observability"
)

// Supabase holds the shared Supabase project settings.
type Supabase struct {
	URL            string
	ServiceRoleKey string
}

func (s Supabase) Configured() bool { return s.URL != "" && s.ServiceRoleKey != "" }

// ServerConfig configures cmd/server.
type ServerConfig struct {
	HTTPAddress  string
	AllowOrigins []string
	BodyLimit    string

	ChatProvider   string
	FeatherlessKey string
	CerebrasKey    string
	ChatModel      string

	SpeechProvider string
	LemonfoxKey    string
	LemonfoxVoice  string
	DeepgramKey    string
	DeepgramModel  string

	Supabase       Supabase
	SupabaseBucket string

	LogLevel  string
	LogFormat string
}

// ClientConfig configures cmd/voicechat.
type ClientConfig struct {
	BackendURL     string
	RequestTimeout time.Duration

	AssemblyAIKey string
	SampleRate    int
	Locale        string

	FailurePolicy string
	Mode          string

	JournalDriver string
	JournalPath   string
	Supabase      Supabase
	JournalTable  string

	PlayerCommand string

	LogLevel  string
	LogFormat string
}

// loadDotenv reads .env when present. A missing file is normal.
func loadDotenv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		observability.Logger().Warn("could not load .env file", "err", err)
	}
}

// LoadServer reads environment variables (after .env) and lets args override them.
func LoadServer(args []string) (ServerConfig, error) {
	loadDotenv()
	var cfg ServerConfig
	var origins string
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddress, "addr", getEnv("HTTP_ADDRESS", ":8080"), "HTTP listen address")
	fs.StringVar(&origins, "allow-origins", getEnv("ALLOW_ORIGINS", ""), "comma separated CORS origins (empty allows any)")
	fs.StringVar(&cfg.BodyLimit, "body-limit", getEnv("BODY_LIMIT", "1M"), "maximum request body size")
	fs.StringVar(&cfg.ChatProvider, "chat-provider", getEnv("CHAT_PROVIDER", "featherless"), "featherless or cerebras")
	fs.StringVar(&cfg.ChatModel, "chat-model", getEnv("CHAT_MODEL", ""), "override the provider's default model")
	fs.StringVar(&cfg.SpeechProvider, "speech-provider", getEnv("SPEECH_PROVIDER", "lemonfox"), "lemonfox or deepgram")
	fs.StringVar(&cfg.LemonfoxVoice, "lemonfox-voice", getEnv("LEMONFOX_VOICE", "sarah"), "Lemonfox voice")
	fs.StringVar(&cfg.DeepgramModel, "deepgram-model", getEnv("DEEPGRAM_MODEL", "aura-2-thalia-en"), "Deepgram speak model")
	fs.StringVar(&cfg.SupabaseBucket, "supabase-bucket", getEnv("SUPABASE_BUCKET", "speech"), "Supabase Storage bucket for archived speech")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "text or json")
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}
	cfg.AllowOrigins = splitList(origins)
	cfg.FeatherlessKey = os.Getenv("FEATHERLESS_API_KEY")
	cfg.CerebrasKey = os.Getenv("CEREBRAS_API_KEY")
	cfg.LemonfoxKey = os.Getenv("LEMONFOX_API_KEY")
	cfg.DeepgramKey = os.Getenv("DEEPGRAM_API_KEY")
	cfg.Supabase = Supabase{URL: os.Getenv("SUPABASE_URL"), ServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY")}

	log := observability.Component("config")
	if cfg.ChatKey() == "" {
		log.Warn("chat provider key not set, /chat will not work", "provider", cfg.ChatProvider)
	}
	if cfg.SpeechKey() == "" {
		log.Warn("speech provider key not set, /synthesize-speech will not work", "provider", cfg.SpeechProvider)
	}
	if !cfg.Supabase.Configured() {
		log.Info("Supabase not configured, synthesized speech will not be archived")
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ChatKey returns the API key for the selected chat provider.
func (c ServerConfig) ChatKey() string {
	if strings.EqualFold(c.ChatProvider, "cerebras") {
		return c.CerebrasKey
	}
	return c.FeatherlessKey
}

// SpeechKey returns the API key for the selected speech provider.
func (c ServerConfig) SpeechKey() string {
	if strings.EqualFold(c.SpeechProvider, "deepgram") {
		return c.DeepgramKey
	}
	return c.LemonfoxKey
}

func (c ServerConfig) Validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("HTTP_ADDRESS cannot be empty")
	}
	switch strings.ToLower(c.ChatProvider) {
	case "featherless", "cerebras":
	default:
		return fmt.Errorf("CHAT_PROVIDER must be featherless or cerebras, got %q", c.ChatProvider)
	}
	switch strings.ToLower(c.SpeechProvider) {
	case "lemonfox", "deepgram":
	default:
		return fmt.Errorf("SPEECH_PROVIDER must be lemonfox or deepgram, got %q", c.SpeechProvider)
	}
	return nil
}

// LoadClient reads environment variables (after .env) and lets args override them.
func LoadClient(args []string) (ClientConfig, error) {
	loadDotenv()
	var cfg ClientConfig
	fs := flag.NewFlagSet("voicechat", flag.ContinueOnError)
	fs.StringVar(&cfg.BackendURL, "backend", getEnv("BACKEND_URL", "http://localhost:8080"), "assistant backend base URL")
	fs.DurationVar(&cfg.RequestTimeout, "timeout", getEnvDuration("REQUEST_TIMEOUT", 60*time.Second), "per-exchange timeout")
	fs.IntVar(&cfg.SampleRate, "sample-rate", getEnvInt("SAMPLE_RATE", 16000), "microphone sample rate in Hz")
	fs.StringVar(&cfg.Locale, "locale", getEnv("LOCALE", "en-US"), "recognition locale")
	fs.StringVar(&cfg.FailurePolicy, "on-failure", getEnv("FAILURE_POLICY", "rollback"), "rollback or apologize")
	fs.StringVar(&cfg.Mode, "mode", getEnv("ASSISTANT_MODE", ""), "assistant mode hint sent with each exchange")
	fs.StringVar(&cfg.JournalDriver, "journal", getEnv("JOURNAL_DRIVER", "sqlite"), "none, sqlite or supabase")
	fs.StringVar(&cfg.JournalPath, "journal-path", getEnv("JOURNAL_PATH", "./data/journal.db"), "SQLite journal path")
	fs.StringVar(&cfg.JournalTable, "journal-table", getEnv("JOURNAL_TABLE", "chats"), "Supabase journal table")
	fs.StringVar(&cfg.PlayerCommand, "player", getEnv("PLAYER_COMMAND", "ffplay"), "audio player executable")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "warn"), "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "text or json")
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	cfg.AssemblyAIKey = os.Getenv("ASSEMBLYAI_API_KEY")
	cfg.Supabase = Supabase{URL: os.Getenv("SUPABASE_URL"), ServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY")}

	if cfg.AssemblyAIKey == "" {
		observability.Component("config").Warn("ASSEMBLYAI_API_KEY not set, speech capture will be unavailable")
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c ClientConfig) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be > 0")
	}
	switch strings.ToLower(c.FailurePolicy) {
	case "rollback", "apologize":
	default:
		return fmt.Errorf("FAILURE_POLICY must be rollback or apologize, got %q", c.FailurePolicy)
	}
	switch strings.ToLower(c.JournalDriver) {
	case "none", "":
	case "sqlite":
		if c.JournalPath == "" {
			return fmt.Errorf("JOURNAL_PATH cannot be empty with the sqlite journal")
		}
	case "supabase":
		if !c.Supabase.Configured() {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required with the supabase journal")
		}
	default:
		return fmt.Errorf("JOURNAL_DRIVER must be none, sqlite or supabase, got %q", c.JournalDriver)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
