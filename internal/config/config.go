package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"DriverSafetyCore/internal/logger"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	MQTT      MQTTConfig
	Store     StoreConfig
	Security  SecurityConfig
	Logging   LoggingConfig
	Identity  IdentityConfig
	Alert     AlertConfig
	Health    HealthConfig
	Defensive DefensiveConfig
	Voice     VoiceConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	Environment     string
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxHeaderBytes  int
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

type MQTTConfig struct {
	Broker         string
	Port           int
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	AutoReconnect  bool
	BufferSize     int
}

type StoreConfig struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

type SecurityConfig struct {
	JWTSecret          string
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	RateLimitPerMinute int
	EnableRateLimit    bool
}

type LoggingConfig struct {
	Level     logger.Level
	Mode      logger.Mode
	FilePath  string
	UseColors bool
}

type IdentityConfig struct {
	DriverID   string
	DriverName string
}

type AlertConfig struct {
	RadiusKm             float64
	PollInterval         time.Duration
	PollLimit            int
	PollLookback         time.Duration
	ProcessedTTL         time.Duration
	ResolvedTTL          time.Duration
	CacheMaxEntries      int
	LocationMaxAge       time.Duration
	LocationMinMoveM     float64
	EndedGrace           time.Duration
	SilentMode           bool
	OwnBroadcastInterval time.Duration
}

type HealthConfig struct {
	Interval        time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	MaxAttempts     int
	FixMaxAge       time.Duration
	HeartbeatMaxAge time.Duration
	RealtimeGrace   time.Duration
}

type DefensiveConfig struct {
	Window         time.Duration
	Threshold      int
	QuietPeriod    time.Duration
	RecoveryPolicy string
}

type VoiceConfig struct {
	ErrorWindow    time.Duration
	ErrorThreshold int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxRecoveries  int
	RecoveryWindow time.Duration
}

var requiredEnvVars = []string{
	"DRIVER_ID",
	"DB_HOST",
	"DB_PORT",
	"DB_USER",
	"DB_PASSWORD",
	"DB_NAME",
	"MQTT_BROKER",
	"MQTT_PORT",
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	if err := validateRequired(); err != nil {
		return nil, err
	}

	return FromEnv(), nil
}

// FromEnv builds a Config from the current environment without requiring any variable.
func FromEnv() *Config {
	return &Config{
		Server:    loadServerConfig(),
		Database:  loadDatabaseConfig(),
		MQTT:      loadMQTTConfig(),
		Store:     loadStoreConfig(),
		Security:  loadSecurityConfig(),
		Logging:   loadLoggingConfig(),
		Identity:  loadIdentityConfig(),
		Alert:     loadAlertConfig(),
		Health:    loadHealthConfig(),
		Defensive: loadDefensiveConfig(),
		Voice:     loadVoiceConfig(),
	}
}

func validateRequired() error {
	var missing []string

	for _, key := range requiredEnvVars {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SERVER_HOST", "127.0.0.1"),
		Port:            getEnvAsInt("SERVER_PORT", 8090),
		Environment:     getEnv("ENVIRONMENT", "development"),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", "15s"),
		ReadTimeout:     getEnvAsDuration("READ_TIMEOUT", "10s"),
		WriteTimeout:    getEnvAsDuration("WRITE_TIMEOUT", "10s"),
		MaxHeaderBytes:  getEnvAsInt("MAX_HEADER_BYTES", 1048576),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "driversafety"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "driversafety"),
		SSLMode:         getEnv("DB_SSL_MODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 5),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", "5m"),
		QueryTimeout:    getEnvAsDuration("DB_QUERY_TIMEOUT", "5s"),
	}
}

func loadMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:         getEnv("MQTT_BROKER", "localhost"),
		Port:           getEnvAsInt("MQTT_PORT", 1883),
		ClientID:       getEnv("MQTT_CLIENT_ID", ""),
		Username:       getEnv("MQTT_USERNAME", ""),
		Password:       getEnv("MQTT_PASSWORD", ""),
		TopicPrefix:    getEnv("MQTT_TOPIC_PREFIX", "driversafety"),
		QoS:            byte(getEnvAsInt("MQTT_QOS", 1)),
		KeepAlive:      getEnvAsDuration("MQTT_KEEP_ALIVE", "30s"),
		ConnectTimeout: getEnvAsDuration("MQTT_CONNECT_TIMEOUT", "10s"),
		AutoReconnect:  getEnvAsBool("MQTT_AUTO_RECONNECT", true),
		BufferSize:     getEnvAsInt("MQTT_BUFFER_SIZE", 64),
	}
}

func loadStoreConfig() StoreConfig {
	return StoreConfig{
		Path:       getEnv("STORE_PATH", "./data/state"),
		InMemory:   getEnvAsBool("STORE_IN_MEMORY", false),
		SyncWrites: getEnvAsBool("STORE_SYNC_WRITES", true),
	}
}

func loadSecurityConfig() SecurityConfig {
	origins := getEnv("CORS_ALLOWED_ORIGINS", "*")
	methods := getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,OPTIONS")

	return SecurityConfig{
		JWTSecret:          getEnv("JWT_SECRET", ""),
		CORSAllowedOrigins: strings.Split(origins, ","),
		CORSAllowedMethods: strings.Split(methods, ","),
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 600),
		EnableRateLimit:    getEnvAsBool("ENABLE_RATE_LIMIT", true),
	}
}

func loadLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:     logger.ParseLevel(getEnv("LOG_LEVEL", "info")),
		Mode:      logger.ParseMode(getEnv("LOG_MODE", "normal")),
		FilePath:  getEnv("LOG_FILE_PATH", ""),
		UseColors: getEnvAsBool("LOG_USE_COLORS", true),
	}
}

func loadIdentityConfig() IdentityConfig {
	return IdentityConfig{
		DriverID:   getEnv("DRIVER_ID", ""),
		DriverName: getEnv("DRIVER_NAME", ""),
	}
}

func loadAlertConfig() AlertConfig {
	return AlertConfig{
		RadiusKm:             getEnvAsFloat("ALERT_RADIUS_KM", 10),
		PollInterval:         getEnvAsDuration("ALERT_POLL_INTERVAL", "8s"),
		PollLimit:            getEnvAsInt("ALERT_POLL_LIMIT", 20),
		PollLookback:         getEnvAsDuration("ALERT_POLL_LOOKBACK", "10m"),
		ProcessedTTL:         getEnvAsDuration("ALERT_PROCESSED_TTL", "30m"),
		ResolvedTTL:          getEnvAsDuration("ALERT_RESOLVED_TTL", "60m"),
		CacheMaxEntries:      getEnvAsInt("ALERT_CACHE_MAX_ENTRIES", 512),
		LocationMaxAge:       getEnvAsDuration("ALERT_LOCATION_MAX_AGE", "2m"),
		LocationMinMoveM:     getEnvAsFloat("ALERT_LOCATION_MIN_MOVE_M", 100),
		EndedGrace:           getEnvAsDuration("ALERT_ENDED_GRACE", "30s"),
		SilentMode:           getEnvAsBool("ALERT_SILENT_MODE", true),
		OwnBroadcastInterval: getEnvAsDuration("ALERT_OWN_BROADCAST_INTERVAL", "5s"),
	}
}

func loadHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:        getEnvAsDuration("HEALTH_INTERVAL", "30s"),
		BackoffBase:     getEnvAsDuration("HEALTH_BACKOFF_BASE", "5s"),
		BackoffCap:      getEnvAsDuration("HEALTH_BACKOFF_CAP", "60s"),
		MaxAttempts:     getEnvAsInt("HEALTH_MAX_ATTEMPTS", 5),
		FixMaxAge:       getEnvAsDuration("HEALTH_FIX_MAX_AGE", "60s"),
		HeartbeatMaxAge: getEnvAsDuration("HEALTH_HEARTBEAT_MAX_AGE", "60s"),
		RealtimeGrace:   getEnvAsDuration("HEALTH_REALTIME_GRACE", "30s"),
	}
}

func loadDefensiveConfig() DefensiveConfig {
	return DefensiveConfig{
		Window:         getEnvAsDuration("DEFENSIVE_WINDOW", "10m"),
		Threshold:      getEnvAsInt("DEFENSIVE_THRESHOLD", 3),
		QuietPeriod:    getEnvAsDuration("DEFENSIVE_QUIET_PERIOD", "5m"),
		RecoveryPolicy: getEnv("DEFENSIVE_RECOVERY_POLICY", "realtime"),
	}
}

func loadVoiceConfig() VoiceConfig {
	return VoiceConfig{
		ErrorWindow:    getEnvAsDuration("VOICE_ERROR_WINDOW", "60s"),
		ErrorThreshold: getEnvAsInt("VOICE_ERROR_THRESHOLD", 3),
		BackoffBase:    getEnvAsDuration("VOICE_BACKOFF_BASE", "3s"),
		BackoffCap:     getEnvAsDuration("VOICE_BACKOFF_CAP", "5s"),
		MaxRecoveries:  getEnvAsInt("VOICE_MAX_RECOVERIES", 3),
		RecoveryWindow: getEnvAsDuration("VOICE_RECOVERY_WINDOW", "10m"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

// DSN is the lib/pq connection string for the panic store.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=driversafety-agent",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Database,
		d.SSLMode,
	)
}

func (m *MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.Broker, m.Port)
}

func (c *Config) Validate() error {
	var errors []string

	if c.Identity.DriverID == "" {
		errors = append(errors, "DRIVER_ID cannot be empty")
	}

	if c.Database.Password == "" {
		errors = append(errors, "DB_PASSWORD cannot be empty")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "SERVER_PORT must be between 1 and 65535")
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, "DB_PORT must be between 1 and 65535")
	}

	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errors = append(errors, "MQTT_PORT must be between 1 and 65535")
	}

	if c.Alert.RadiusKm <= 0 {
		errors = append(errors, "ALERT_RADIUS_KM must be positive")
	}

	if c.Alert.PollInterval <= 0 || c.Health.Interval <= 0 {
		errors = append(errors, "ALERT_POLL_INTERVAL and HEALTH_INTERVAL must be positive")
	}

	if c.Health.BackoffCap < c.Health.BackoffBase {
		errors = append(errors, "HEALTH_BACKOFF_CAP must not be below HEALTH_BACKOFF_BASE")
	}

	if c.Defensive.RecoveryPolicy != "realtime" && c.Defensive.RecoveryPolicy != "fallback" {
		errors = append(errors, "DEFENSIVE_RECOVERY_POLICY must be 'realtime' or 'fallback'")
	}

	if !c.Store.InMemory && c.Store.Path == "" {
		errors = append(errors, "STORE_PATH cannot be empty unless STORE_IN_MEMORY is set")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

func (c *Config) Print() {
	fmt.Println("╔══════════════════════════════════════════════════════════╗")
	fmt.Println("║           Driver Safety Core - Configuration             ║")
	fmt.Println("╚══════════════════════════════════════════════════════════╝")
	fmt.Printf("Environment:     %s\n", c.Server.Environment)
	fmt.Printf("Driver:          %s\n", c.Identity.DriverID)
	fmt.Printf("Server:          %s:%d\n", c.Server.Host, c.Server.Port)
	fmt.Printf("Database:        %s:%d/%s\n", c.Database.Host, c.Database.Port, c.Database.Database)
	fmt.Printf("MQTT Broker:     %s:%d (prefix %s)\n", c.MQTT.Broker, c.MQTT.Port, c.MQTT.TopicPrefix)
	fmt.Printf("State Store:     %s\n", c.storeLabel())
	fmt.Printf("Alert Radius:    %.1f km, poll every %s\n", c.Alert.RadiusKm, c.Alert.PollInterval)
	fmt.Printf("Defensive:       %d failures / %s, recovery=%s\n", c.Defensive.Threshold, c.Defensive.Window, c.Defensive.RecoveryPolicy)
	fmt.Println("──────────────────────────────────────────────────────────")
}

func (c *Config) storeLabel() string {
	if c.Store.InMemory {
		return "in-memory"
	}
	return c.Store.Path
}
