package config

import (
	"time"
)

const (
	DefaultPort        = "8888"
	DefaultServiceType = "_clock._tcp"
)

// HostConfig configures the authoritative clock process.
type HostConfig struct {
	Port              string
	SettingsPath      string
	LogLevel          string
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	StartPaused       bool
	NATS              NATSConfig
}

// NATSConfig configures the optional state relay. An empty URL disables it.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Bucket        string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Enabled reports whether a relay should be started.
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// ReplicaConfig configures a display replica.
type ReplicaConfig struct {
	HostURL      string
	ServiceType  string
	Peers        string
	SettingsPath string
	LogLevel     string
	ReplicaID    string

	ForegroundInterval time.Duration
	BackgroundInterval time.Duration
	ScreenOffInterval  time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PingTimeout    time.Duration
}

// NewHostConfigFromEnv reads host settings from the environment.
func NewHostConfigFromEnv() HostConfig {
	return HostConfig{
		Port:              getEnv("CLOCK_PORT", DefaultPort),
		SettingsPath:      getEnv("SETTINGS_PATH", "settings.yaml"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		TickInterval:      getEnvAsDuration("TICK_INTERVAL", 100*time.Millisecond),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		StartPaused:       getEnvAsBool("START_PAUSED", false),
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "clock"),
			Bucket:        getEnv("NATS_KV_BUCKET", "CLOCK_STATE"),
			MaxReconnects: getEnvAsInt("NATS_MAX_RECONNECTS", -1),
			ReconnectWait: getEnvAsDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
	}
}

// NewReplicaConfigFromEnv reads replica settings from the environment.
func NewReplicaConfigFromEnv() ReplicaConfig {
	return ReplicaConfig{
		HostURL:            getEnv("HOST_URL", ""),
		ServiceType:        getEnv("SERVICE_TYPE", DefaultServiceType),
		Peers:              getEnv("PEERS", ""),
		SettingsPath:       getEnv("SETTINGS_PATH", "settings.yaml"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		ReplicaID:          getEnv("REPLICA_ID", ""),
		ForegroundInterval: getEnvAsDuration("FOREGROUND_INTERVAL", 50*time.Millisecond),
		BackgroundInterval: getEnvAsDuration("BACKGROUND_INTERVAL", time.Second),
		ScreenOffInterval:  getEnvAsDuration("SCREEN_OFF_INTERVAL", 5*time.Second),
		InitialBackoff:     getEnvAsDuration("RECONNECT_INITIAL_BACKOFF", time.Second),
		MaxBackoff:         getEnvAsDuration("RECONNECT_MAX_BACKOFF", 30*time.Second),
		PingTimeout:        getEnvAsDuration("PING_TIMEOUT", 2*time.Second),
	}
}
