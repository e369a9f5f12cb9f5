package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig: an empty PrometheusBind mounts /metrics on the HTTP server
// instead of a separate listener.
type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Camera      CameraConfig     `yaml:"camera"`
	Classifier  ClassifierConfig `yaml:"classifier"`
	Decoder     DecoderConfig    `yaml:"decoder"`
	History     HistoryConfig    `yaml:"history"`
	Session     SessionConfig    `yaml:"session"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// CameraConfig selects the frame source. Mode is one of webcam|synthetic.
// Facing is advisory; the webcam backend opens DeviceID whatever it says.
type CameraConfig struct {
	Mode     string `yaml:"mode"`
	DeviceID int    `yaml:"device_id"`
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	Facing   string `yaml:"facing"`
	FPS      int    `yaml:"fps"`
}

// ClassifierConfig selects the inference backend. Mode is one of dnn|exec|mock.
type ClassifierConfig struct {
	Mode        string   `yaml:"mode"`
	ModelPath   string   `yaml:"model_path"`
	ConfigPath  string   `yaml:"config_path"`
	Command     string   `yaml:"command"`
	InputWidth  int      `yaml:"input_width"`
	InputHeight int      `yaml:"input_height"`
	Labels      []string `yaml:"labels"`
	TimeoutMS   int      `yaml:"timeout_ms"`
}

type DecoderConfig struct {
	GateThreshold          float64 `yaml:"gate_threshold"`
	AcceptThreshold        float64 `yaml:"accept_threshold"`
	WindowMS               int     `yaml:"window_ms"`
	CountdownMS            int     `yaml:"countdown_ms"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	StallTimeoutMS         int     `yaml:"stall_timeout_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SessionConfig carries the identity and language pair recorded with history
// entries when a start request does not supply its own.
type SessionConfig struct {
	UserID         string `yaml:"user_id"`
	SourceLanguage string `yaml:"source_language"`
	TargetLanguage string `yaml:"target_language"`
	AutoStart      bool   `yaml:"auto_start"`
}

// DefaultLabels is the 26-letter fingerspelling alphabet the stock model emits.
func DefaultLabels() []string {
	labels := make([]string, 0, 26)
	for r := 'A'; r <= 'Z'; r++ {
		labels = append(labels, string(r))
	}
	return labels
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-sign",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Camera: CameraConfig{
			Mode:     "webcam",
			DeviceID: 0,
			Width:    640,
			Height:   480,
			Facing:   "user",
			FPS:      30,
		},
		Classifier: ClassifierConfig{
			Mode:        "mock",
			InputWidth:  224,
			InputHeight: 224,
			Labels:      DefaultLabels(),
			TimeoutMS:   2000,
		},
		Decoder: DecoderConfig{
			GateThreshold:          0.70,
			AcceptThreshold:        0.30,
			WindowMS:               4000,
			CountdownMS:            1000,
			MaxConsecutiveFailures: 3,
			StallTimeoutMS:         5000,
		},
		History: HistoryConfig{
			Path:          "./data/loqa-sign-history.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Session: SessionConfig{
			UserID:         "local",
			SourceLanguage: "ase",
			TargetLanguage: "en",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SIGN_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SIGN_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SIGN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SIGN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SIGN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SIGN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SIGN_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SIGN_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SIGN_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SIGN_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SIGN_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SIGN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SIGN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SIGN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SIGN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SIGN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SIGN_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Camera.Mode, "SIGN_CAMERA_MODE")
	overrideInt(&cfg.Camera.DeviceID, "SIGN_CAMERA_DEVICE_ID")
	overrideInt(&cfg.Camera.Width, "SIGN_CAMERA_WIDTH")
	overrideInt(&cfg.Camera.Height, "SIGN_CAMERA_HEIGHT")
	overrideString(&cfg.Camera.Facing, "SIGN_CAMERA_FACING")
	overrideInt(&cfg.Camera.FPS, "SIGN_CAMERA_FPS")
	overrideString(&cfg.Classifier.Mode, "SIGN_CLASSIFIER_MODE")
	overrideString(&cfg.Classifier.ModelPath, "SIGN_CLASSIFIER_MODEL_PATH")
	overrideString(&cfg.Classifier.ConfigPath, "SIGN_CLASSIFIER_CONFIG_PATH")
	overrideString(&cfg.Classifier.Command, "SIGN_CLASSIFIER_COMMAND")
	overrideInt(&cfg.Classifier.InputWidth, "SIGN_CLASSIFIER_INPUT_WIDTH")
	overrideInt(&cfg.Classifier.InputHeight, "SIGN_CLASSIFIER_INPUT_HEIGHT")
	overrideStringSlice(&cfg.Classifier.Labels, "SIGN_CLASSIFIER_LABELS")
	overrideInt(&cfg.Classifier.TimeoutMS, "SIGN_CLASSIFIER_TIMEOUT_MS")
	overrideFloat(&cfg.Decoder.GateThreshold, "SIGN_DECODER_GATE_THRESHOLD")
	overrideFloat(&cfg.Decoder.AcceptThreshold, "SIGN_DECODER_ACCEPT_THRESHOLD")
	overrideInt(&cfg.Decoder.WindowMS, "SIGN_DECODER_WINDOW_MS")
	overrideInt(&cfg.Decoder.CountdownMS, "SIGN_DECODER_COUNTDOWN_MS")
	overrideInt(&cfg.Decoder.MaxConsecutiveFailures, "SIGN_DECODER_MAX_CONSECUTIVE_FAILURES")
	overrideInt(&cfg.Decoder.StallTimeoutMS, "SIGN_DECODER_STALL_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "SIGN_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "SIGN_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "SIGN_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "SIGN_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "SIGN_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.Session.UserID, "SIGN_SESSION_USER_ID")
	overrideString(&cfg.Session.SourceLanguage, "SIGN_SESSION_SOURCE_LANGUAGE")
	overrideString(&cfg.Session.TargetLanguage, "SIGN_SESSION_TARGET_LANGUAGE")
	overrideBool(&cfg.Session.AutoStart, "SIGN_SESSION_AUTO_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}

	switch cfg.Camera.Mode {
	case "webcam", "synthetic":
	default:
		return errors.New("camera.mode must be one of webcam|synthetic")
	}
	if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
		return errors.New("camera.width and camera.height must be positive")
	}
	if cfg.Camera.Mode == "synthetic" && cfg.Camera.FPS <= 0 {
		return errors.New("camera.fps must be positive when mode=synthetic")
	}

	switch cfg.Classifier.Mode {
	case "dnn", "exec", "mock":
	default:
		return errors.New("classifier.mode must be one of dnn|exec|mock")
	}
	if cfg.Classifier.Mode == "dnn" && cfg.Classifier.ModelPath == "" {
		return errors.New("classifier.model_path must be set when mode=dnn")
	}
	if cfg.Classifier.Mode == "exec" && cfg.Classifier.Command == "" {
		return errors.New("classifier.command must be set when mode=exec")
	}
	if cfg.Classifier.InputWidth <= 0 || cfg.Classifier.InputHeight <= 0 {
		return errors.New("classifier.input_width and classifier.input_height must be positive")
	}
	if len(cfg.Classifier.Labels) == 0 {
		return errors.New("classifier.labels must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Classifier.Labels))
	for _, label := range cfg.Classifier.Labels {
		if label == "" {
			return errors.New("classifier.labels must not contain empty labels")
		}
		if _, dup := seen[label]; dup {
			return fmt.Errorf("classifier.labels contains duplicate label %q", label)
		}
		seen[label] = struct{}{}
	}

	if cfg.Decoder.GateThreshold < 0 || cfg.Decoder.GateThreshold >= 1 {
		return errors.New("decoder.gate_threshold must be in [0,1)")
	}
	if cfg.Decoder.AcceptThreshold < 0 {
		return errors.New("decoder.accept_threshold must be >= 0")
	}
	if cfg.Decoder.WindowMS <= 0 {
		return errors.New("decoder.window_ms must be positive")
	}
	if cfg.Decoder.CountdownMS < 0 {
		return errors.New("decoder.countdown_ms must be >= 0")
	}
	if cfg.Decoder.MaxConsecutiveFailures <= 0 {
		return errors.New("decoder.max_consecutive_failures must be >= 1")
	}
	if cfg.Decoder.StallTimeoutMS < 0 {
		return errors.New("decoder.stall_timeout_ms must be >= 0")
	}

	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionMode != "ephemeral" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Session.UserID == "" {
		return errors.New("session.user_id must not be empty")
	}
	return nil
}
