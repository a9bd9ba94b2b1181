// v1
// internal/config/config.go
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"nrgchamp/meterchain/internal/circuitbreaker"
	"nrgchamp/meterchain/internal/commitment"
)

// Config captures the runtime settings of the meter agent and the verifier.
// Values are layered: defaults, then an optional properties file, then an
// optional .env file, then the process environment. Command line flags are
// applied on top by the binaries.
type Config struct {
	// MeterID identifies the simulated meter.
	MeterID string
	// Broker selects the transport: "mqtt" or "kafka".
	Broker string

	MQTTHost      string
	MQTTPort      int
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTQoS       byte
	MQTTKeepAlive time.Duration

	KafkaBrokers []string
	KafkaGroupID string

	// Topic is the telemetry topic. Kafka transports map '/' to '.'.
	Topic string

	PublishInterval time.Duration
	ConnectTimeout  time.Duration
	// PublishTimeout bounds one publish; zero defers to the client.
	PublishTimeout time.Duration
	DrainGrace     time.Duration

	HashAlgorithm   string
	OmitFingerprint bool

	// RetryMax is the number of reconnects after a failed handshake; -1 retries forever.
	RetryMax            int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	ListenAddress   string
	ShutdownTimeout time.Duration
	LogFilePath     string
	LogLevel        string

	LedgerPath      string
	ReplayCacheSize int

	// Breaker* guard Kafka reads and writes. The MQTT client has its own
	// reconnect logic and is not wrapped.
	BreakerEnabled          bool
	BreakerMaxFailures      int
	BreakerSuccessesToClose int
	BreakerOpenTimeout      time.Duration
	BreakerCallTimeout      time.Duration

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// PropertiesPath and EnvFile record the files consulted while loading.
	PropertiesPath string
	EnvFile        string
}

const (
	envPrefix = "METERCHAIN_"

	defaultPropsPath = "meterchain.properties"
	defaultEnvFile   = ".env"

	BrokerMQTT  = "mqtt"
	BrokerKafka = "kafka"

	// MinPublishInterval matches the one-second resolution of reading
	// timestamps; shorter cadences would stamp readings ahead of the clock.
	MinPublishInterval = time.Second
)

// Default returns the built-in settings.
func Default() Config {
	return Config{
		MeterID:             "meter_001",
		Broker:              BrokerMQTT,
		MQTTHost:            "localhost",
		MQTTPort:            1883,
		MQTTQoS:             0,
		MQTTKeepAlive:       60 * time.Second,
		KafkaBrokers:        []string{"kafka:9092"},
		KafkaGroupID:        "meterchain-verifier",
		Topic:               "energy/meter/data",
		PublishInterval:     5 * time.Second,
		ConnectTimeout:      10 * time.Second,
		PublishTimeout:      5 * time.Second,
		DrainGrace:          2 * time.Second,
		HashAlgorithm:       commitment.HashSHA256,
		RetryMax:            -1,
		RetryInitialBackoff: time.Second,
		RetryMaxBackoff:     30 * time.Second,
		ListenAddress:       ":8090",
		ShutdownTimeout:     5 * time.Second,
		LogFilePath:         filepath.Clean("logs/meterchain.log"),
		LogLevel:            "info",
		LedgerPath:          filepath.Clean("data/ledger.jsonl"),
		ReplayCacheSize:     4096,

		BreakerMaxFailures:      5,
		BreakerSuccessesToClose: 2,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerCallTimeout:      3 * time.Second,
	}
}

// Load resolves configuration on top of Default.
func Load() (Config, error) {
	return LoadFrom(Default())
}

// LoadFrom layers the properties file, the .env file and the environment on
// top of base. The file locations can be overridden with
// METERCHAIN_PROPERTIES_PATH and METERCHAIN_ENV_FILE; missing files are
// skipped.
func LoadFrom(base Config) (Config, error) {
	cfg := base

	propsPath := defaultPropsPath
	if v, ok := lookupEnvTrimmed(envPrefix + "PROPERTIES_PATH"); ok && v != "" {
		propsPath = v
	}
	cfg.PropertiesPath = propsPath
	if err := applyProperties(&cfg, propsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	envFile := defaultEnvFile
	if v, ok := lookupEnvTrimmed(envPrefix + "ENV_FILE"); ok && v != "" {
		envFile = v
	}
	cfg.EnvFile = envFile
	dotenv, err := godotenv.Read(envFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read %s: %w", envFile, err)
	}

	lookup := func(key string) (string, bool) {
		if v, ok := lookupEnvTrimmed(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return strings.TrimSpace(v), ok
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Set applies one property-style key. It is how command line flags reach the
// config.
func (c *Config) Set(key, value string) error {
	setter, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := setter(c, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.MeterID) == "" {
		problems = append(problems, "meter_id is required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		problems = append(problems, "topic is required")
	}
	switch c.Broker {
	case BrokerMQTT:
		if strings.TrimSpace(c.MQTTHost) == "" {
			problems = append(problems, "mqtt_host is required")
		}
		if c.MQTTPort < 1 || c.MQTTPort > 65535 {
			problems = append(problems, fmt.Sprintf("mqtt_port %d out of range", c.MQTTPort))
		}
		if c.MQTTQoS > 2 {
			problems = append(problems, fmt.Sprintf("mqtt_qos %d must be 0, 1 or 2", c.MQTTQoS))
		}
	case BrokerKafka:
		if len(c.KafkaBrokers) == 0 {
			problems = append(problems, "kafka_brokers is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("broker %q must be mqtt or kafka", c.Broker))
	}
	if _, err := commitment.HasherByName(c.HashAlgorithm); err != nil {
		problems = append(problems, err.Error())
	}
	if c.PublishInterval < MinPublishInterval {
		problems = append(problems, fmt.Sprintf("publish_interval_ms %d is below %d", c.PublishInterval.Milliseconds(), MinPublishInterval.Milliseconds()))
	}
	if c.ReplayCacheSize <= 0 {
		problems = append(problems, "replay_cache_size must be positive")
	}
	if c.InfluxURL != "" && (c.InfluxOrg == "" || c.InfluxBucket == "") {
		problems = append(problems, "influx_org and influx_bucket are required when influx_url is set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// CircuitBreaker returns the breaker tunables, or nil when the breaker is
// disabled.
func (c Config) CircuitBreaker() *circuitbreaker.Config {
	if !c.BreakerEnabled {
		return nil
	}
	return &circuitbreaker.Config{
		MaxFailures:      c.BreakerMaxFailures,
		ResetTimeout:     c.BreakerOpenTimeout,
		SuccessesToClose: c.BreakerSuccessesToClose,
	}
}

// BrokerAddress is the MQTT broker URL.
func (c Config) BrokerAddress() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTHost, c.MQTTPort)
}

// Keys lists every recognised property key.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnvKey returns the environment variable for a property key.
func EnvKey(key string) string {
	return envPrefix + strings.ToUpper(key)
}

type setter func(cfg *Config, value string) error

var setters = map[string]setter{
	"meter_id":       nonEmpty(func(c *Config, v string) { c.MeterID = v }),
	"broker":         nonEmpty(func(c *Config, v string) { c.Broker = strings.ToLower(v) }),
	"mqtt_host":      nonEmpty(func(c *Config, v string) { c.MQTTHost = v }),
	"mqtt_client_id": func(c *Config, v string) error { c.MQTTClientID = v; return nil },
	"mqtt_username":  func(c *Config, v string) error { c.MQTTUsername = v; return nil },
	"mqtt_password":  func(c *Config, v string) error { c.MQTTPassword = v; return nil },
	"mqtt_port": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		c.MQTTPort = n
		return nil
	},
	"mqtt_qos": func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil || n > 2 {
			return fmt.Errorf("qos must be 0, 1 or 2")
		}
		c.MQTTQoS = byte(n)
		return nil
	},
	"mqtt_keepalive_ms": positiveMillis(func(c *Config, d time.Duration) { c.MQTTKeepAlive = d }),
	"kafka_brokers": func(c *Config, v string) error {
		brokers := splitAndTrim(v)
		if len(brokers) == 0 {
			return errors.New("value cannot be empty")
		}
		c.KafkaBrokers = brokers
		return nil
	},
	"kafka_group_id":      nonEmpty(func(c *Config, v string) { c.KafkaGroupID = v }),
	"topic":               nonEmpty(func(c *Config, v string) { c.Topic = v }),
	"publish_interval_ms": positiveMillis(func(c *Config, d time.Duration) { c.PublishInterval = d }),
	"connect_timeout_ms":  positiveMillis(func(c *Config, d time.Duration) { c.ConnectTimeout = d }),
	"publish_timeout_ms":  nonNegativeMillis(func(c *Config, d time.Duration) { c.PublishTimeout = d }),
	"drain_grace_ms":      nonNegativeMillis(func(c *Config, d time.Duration) { c.DrainGrace = d }),
	"hash_algorithm":      nonEmpty(func(c *Config, v string) { c.HashAlgorithm = strings.ToLower(v) }),
	"omit_fingerprint": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		c.OmitFingerprint = b
		return nil
	},
	"retry_max": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		c.RetryMax = n
		return nil
	},
	"retry_initial_backoff_ms": positiveMillis(func(c *Config, d time.Duration) { c.RetryInitialBackoff = d }),
	"retry_max_backoff_ms":     positiveMillis(func(c *Config, d time.Duration) { c.RetryMaxBackoff = d }),
	"listen_address":           nonEmpty(func(c *Config, v string) { c.ListenAddress = v }),
	"shutdown_timeout_ms":      positiveMillis(func(c *Config, d time.Duration) { c.ShutdownTimeout = d }),
	"log_path":                 nonEmpty(func(c *Config, v string) { c.LogFilePath = filepath.Clean(v) }),
	"log_level":                nonEmpty(func(c *Config, v string) { c.LogLevel = v }),
	"ledger_path":              nonEmpty(func(c *Config, v string) { c.LedgerPath = filepath.Clean(v) }),
	"replay_cache_size": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		if n <= 0 {
			return errors.New("value must be greater than zero")
		}
		c.ReplayCacheSize = n
		return nil
	},
	"influx_url":    func(c *Config, v string) error { c.InfluxURL = v; return nil },
	"influx_token":  func(c *Config, v string) error { c.InfluxToken = v; return nil },
	"influx_org":    func(c *Config, v string) error { c.InfluxOrg = v; return nil },
	"influx_bucket": func(c *Config, v string) error { c.InfluxBucket = v; return nil },
	"cb_enabled": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		c.BreakerEnabled = b
		return nil
	},
	"cb_failure_threshold": positiveInt(func(c *Config, n int) { c.BreakerMaxFailures = n }),
	"cb_success_threshold": positiveInt(func(c *Config, n int) { c.BreakerSuccessesToClose = n }),
	"cb_open_ms":           positiveMillis(func(c *Config, d time.Duration) { c.BreakerOpenTimeout = d }),
	"cb_timeout_ms":        nonNegativeMillis(func(c *Config, d time.Duration) { c.BreakerCallTimeout = d }),
}

// sharedEnv maps variables shared with the other services of the stack onto
// config keys. The METERCHAIN_ form wins when both are set.
var sharedEnv = map[string]string{
	"KAFKA_BROKERS":              "kafka_brokers",
	"CB_ENABLED":                 "cb_enabled",
	"CB_KAFKA_FAILURE_THRESHOLD": "cb_failure_threshold",
	"CB_KAFKA_SUCCESS_THRESHOLD": "cb_success_threshold",
	"CB_KAFKA_TIMEOUT_MS":        "cb_timeout_ms",
}

func positiveInt(set func(*Config, int)) setter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		if n <= 0 {
			return errors.New("value must be greater than zero")
		}
		set(c, n)
		return nil
	}
}

func nonEmpty(set func(*Config, string)) setter {
	return func(c *Config, v string) error {
		if v == "" {
			return errors.New("value cannot be empty")
		}
		set(c, v)
		return nil
	}
}

func positiveMillis(set func(*Config, time.Duration)) setter {
	return func(c *Config, v string) error {
		d, err := parsePositiveMillis(v)
		if err != nil {
			return err
		}
		set(c, d)
		return nil
	}
}

func nonNegativeMillis(set func(*Config, time.Duration)) setter {
	return func(c *Config, v string) error {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		if ms < 0 {
			return errors.New("value must not be negative")
		}
		set(c, time.Duration(ms)*time.Millisecond)
		return nil
	}
}

func applyProperties(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, ";") {
			continue
		}
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid properties entry on line %d", line)
		}
		key := strings.TrimSpace(parts[0])
		if _, known := setters[key]; !known {
			// Unknown keys are ignored to keep the loader forward-compatible.
			continue
		}
		if err := cfg.Set(key, parts[1]); err != nil {
			return fmt.Errorf("property %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read properties: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, key := range Keys() {
		name := EnvKey(key)
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setters[key](cfg, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for name, key := range sharedEnv {
		if _, ok := lookup(EnvKey(key)); ok {
			continue
		}
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setters[key](cfg, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func lookupEnvTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitAndTrim(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		trimmed := strings.TrimSpace(field)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parsePositiveMillis(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if ms <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return time.Duration(ms) * time.Millisecond, nil
}
