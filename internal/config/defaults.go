package config

import "time"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        "0.0.0.0:8000",
			ReadTimeout:    Duration(30 * time.Second),
			WriteTimeout:   Duration(30 * time.Second),
			IdleTimeout:    Duration(120 * time.Second),
			MaxHeaderBytes: 64 << 10,
			MaxBodySize:    8 << 20,
			MaxConnections: 10000,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: "127.0.0.1:9090",
		},
		Port: PortConfig{
			Name:    "public",
			Options: map[string]any{},
		},
		Runtime: RuntimeConfig{
			Codec:           "msgpack",
			MinWorkers:      2,
			MaxWorkers:      8,
			MaxJobs:         10000,
			MaxPayload:      16 << 20,
			AllocateTimeout: Duration(30 * time.Second),
			RequestTimeout:  Duration(30 * time.Second),
			StopTimeout:     Duration(5 * time.Second),
			PingInterval:    Duration(10 * time.Second),
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tap: TapConfig{
			Enabled:      false,
			Path:         "/tap",
			MaxClients:   16,
			PingInterval: Duration(30 * time.Second),
		},
		Watch: WatchConfig{
			Enabled:  false,
			Dirs:     []string{},
			Exts:     []string{},
			Debounce: Duration(500 * time.Millisecond),
		},
	}
}
