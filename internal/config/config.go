package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"skyguard-telemetry/internal/models"
)

// ErrInvalidTracking is returned when the path TTL or point cap is not positive.
var ErrInvalidTracking = errors.New("invalid tracking configuration")

// Transport kinds for the streaming connection.
const (
	TransportWebsocket = "websocket"
	TransportMQTT      = "mqtt"
)

// DatabaseConfig holds the Postgres connection used by the track archive.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN builds the lib/pq connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv overrides fields from <prefix>_HOST, <prefix>_PORT, ...
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Port)
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
}

// RedisConfig holds the live cache connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoadFromEnv overrides fields from <prefix>_ADDR, <prefix>_PASSWORD, <prefix>_DB.
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		fmt.Sscanf(db, "%d", &c.DB)
	}
}

// MQTTConfig holds broker settings for the MQTT transport.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	QoS         byte
	TopicPrefix string
}

// LoadFromEnv overrides fields from <prefix>_BROKER, <prefix>_CLIENT_ID, ...
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if topicPrefix := os.Getenv(prefix + "_TOPIC_PREFIX"); topicPrefix != "" {
		c.TopicPrefix = topicPrefix
	}
}

// RetryConfig is the bounded reconnection policy of a supervisor.
type RetryConfig struct {
	Attempts    int           // reconnection attempts after a failure
	Delay       time.Duration // first backoff delay
	MaxDelay    time.Duration // backoff cap
	DialTimeout time.Duration // per attempt handshake timeout
	Cooldown    time.Duration // pause before a connection that gave up is replaced
}

// CameraConfig is the per-mode camera id list of one channel.
type CameraConfig struct {
	Mock []string
	Real []string
	All  []string
}

// HasCameras reports whether any mode lists at least one camera.
func (c CameraConfig) HasCameras() bool {
	return len(c.Mock) > 0 || len(c.Real) > 0 || len(c.All) > 0
}

// ChannelConfig configures one telemetry channel.
type ChannelConfig struct {
	Cameras CameraConfig
	Events  []string
}

// Config is the telemetry service configuration.
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	Socket struct {
		Mode      models.SourceMode // requested mode, before fallback
		Transport string
		URLs      map[models.SourceMode]string
		Retry     RetryConfig
		// AcceptedCameraIDs is the env allow list consumers may opt into.
		AcceptedCameraIDs []string
	}

	Channels map[models.Channel]ChannelConfig

	Tracking struct {
		PathTTL       time.Duration
		PathMaxPoints int
		EvictInterval time.Duration
	}

	Images struct {
		BaseURLs []string
	}

	Cache struct {
		Enabled     bool
		KeyPrefix   string
		TrackStream string
	}

	Archive struct {
		Enabled bool
	}

	Sink struct {
		QueueSize int
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "skyguard")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 5
	cfg.Database.MaxIdle = 2
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "skyguard-telemetry")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.TopicPrefix = "drones"
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Socket.Mode = models.ParseSourceMode(strings.ToLower(getEnv("SOCKET_MODE", "mock")))
	cfg.Socket.Transport = strings.ToLower(getEnv("SOCKET_TRANSPORT", TransportWebsocket))
	shared := os.Getenv("SOCKET_URL")
	if cfg.Socket.Transport == TransportMQTT && shared == "" {
		// per-mode broker URIs fall back to the configured broker
		shared = os.Getenv("MQTT_BROKER")
	}
	cfg.Socket.URLs = map[models.SourceMode]string{
		models.ModeMock: firstNonEmpty(os.Getenv("SOCKET_URL_MOCK"), shared),
		models.ModeReal: firstNonEmpty(os.Getenv("SOCKET_URL_REAL"), os.Getenv("SOCKET_URL_BACKEND"), shared),
	}
	cfg.Socket.Retry = RetryConfig{
		Attempts:    getEnvInt("RECONNECT_ATTEMPTS", 5),
		Delay:       getEnvMillis("RECONNECT_DELAY_MS", 1000),
		MaxDelay:    getEnvMillis("RECONNECT_DELAY_MAX_MS", 4000),
		DialTimeout: getEnvMillis("SOCKET_TIMEOUT_MS", 10000),
		Cooldown:    getEnvMillis("RECONNECT_COOLDOWN_MS", 30000),
	}
	cfg.Socket.AcceptedCameraIDs = splitList(os.Getenv("SOCKET_ACCEPTED_CAMERA_IDS"))

	cfg.Channels = map[models.Channel]ChannelConfig{
		models.ChannelOffensive: {
			Cameras: CameraConfig{
				Mock: splitList(os.Getenv("OFF_CAM_ID")),
				Real: splitList(os.Getenv("OFF_CAM_ID_REAL")),
			},
			Events: splitList(getEnv("OFF_EVENTS", models.EventObjectDetection)),
		},
		models.ChannelDefensive: {
			Cameras: CameraConfig{
				Mock: splitList(os.Getenv("DEF_CAM_ID")),
				Real: splitList(os.Getenv("DEF_CAM_ID_REAL")),
			},
			Events: splitList(getEnv("DEF_EVENTS", models.EventDefensiveAlert+","+models.EventObjectDetection)),
		},
	}

	cfg.Tracking.PathTTL = getEnvMillis("PATH_TTL_MS", 180000)
	cfg.Tracking.PathMaxPoints = getEnvInt("PATH_MAX_POINTS", 500)
	cfg.Tracking.EvictInterval = getEnvMillis("EVICT_INTERVAL_MS", 0)

	cfg.Images.BaseURLs = imageBases(os.Getenv("API_BASE_URL"), os.Getenv("API_MOCK_URL"))

	cfg.Cache.Enabled = getEnvBool("REDIS_ENABLED", false)
	cfg.Cache.KeyPrefix = getEnv("CACHE_KEY_PREFIX", "skyguard:entity:")
	cfg.Cache.TrackStream = getEnv("TRACK_STREAM", "skyguard:track-events")

	cfg.Archive.Enabled = getEnvBool("ARCHIVE_ENABLED", false)
	cfg.Sink.QueueSize = getEnvInt("SINK_QUEUE_SIZE", 1024)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks tracking bounds and clamps the eviction interval to half
// the path TTL so stale entities are noticed within one half-TTL window.
func (c *Config) Validate() error {
	if c.Tracking.PathTTL <= 0 {
		return fmt.Errorf("%w: PATH_TTL_MS must be positive", ErrInvalidTracking)
	}
	if c.Tracking.PathMaxPoints <= 0 {
		return fmt.Errorf("%w: PATH_MAX_POINTS must be positive", ErrInvalidTracking)
	}
	half := c.Tracking.PathTTL / 2
	if c.Tracking.EvictInterval <= 0 || c.Tracking.EvictInterval > half {
		c.Tracking.EvictInterval = half
	}
	if c.Sink.QueueSize <= 0 {
		c.Sink.QueueSize = 1024
	}
	switch c.Socket.Transport {
	case TransportWebsocket, TransportMQTT:
	default:
		return fmt.Errorf("unsupported SOCKET_TRANSPORT %q", c.Socket.Transport)
	}
	return nil
}

// ResolveSource picks the active mode and endpoint. The requested mode wins
// when it has a URL; otherwise the other mode is used if it has one. With no
// usable URL the requested mode is returned with an empty URL.
func ResolveSource(requested models.SourceMode, urls map[models.SourceMode]string) (models.SourceMode, string) {
	if url := urls[requested]; url != "" {
		return requested, url
	}
	fallback := requested.Other()
	if url := urls[fallback]; url != "" {
		return fallback, url
	}
	return requested, ""
}

// imageBases returns the base URL candidates used to build image references.
// The mock API URL is served under /api; images live at its root.
func imageBases(apiBase, mockAPI string) []string {
	var out []string
	if apiBase != "" {
		out = append(out, apiBase)
	}
	if mockAPI != "" {
		out = append(out, strings.Replace(mockAPI, "/api", "", 1))
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
