// Package config loads server configuration from defaults, an optional
// config file, environment variables, and CLI flags, in that order of
// increasing precedence.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the single source of truth passed to every constructor.
// Field names mirror the configuration table plus the ambient
// fields from SPEC_FULL.md §10.
type Config struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
	TLS   bool   `mapstructure:"tls"`
	Cert  string `mapstructure:"cert"`
	Key   string `mapstructure:"key"`

	MaxSessions            int `mapstructure:"max_sessions"`
	IdleTimeoutSeconds     int `mapstructure:"idle_timeout_seconds"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`

	StunServers  []string `mapstructure:"stun_servers"`
	TurnServer   string   `mapstructure:"turn_server"`
	TurnUsername string   `mapstructure:"turn_username"`
	TurnPassword string   `mapstructure:"turn_password"`

	AudioEnabled    bool   `mapstructure:"audio_enabled"`
	AudioSampleRate int    `mapstructure:"audio_sample_rate"`
	AudioChannels   int    `mapstructure:"audio_channels"`
	AudioCaptureCmd string `mapstructure:"audio_capture_cmd"`

	VideoWidth   int    `mapstructure:"video_width"`
	VideoHeight  int    `mapstructure:"video_height"`
	Framerate    int    `mapstructure:"framerate"`
	MaxFramerate int    `mapstructure:"max_framerate"`
	VideoCodec   string `mapstructure:"video_codec"`
	MinBitrate   int    `mapstructure:"min_bitrate"`
	DefaultBitrate int  `mapstructure:"default_bitrate"`
	MaxBitrate   int    `mapstructure:"max_bitrate"`

	CorsOrigins []string `mapstructure:"cors_origins"`

	InputRateLimitPerSecond int `mapstructure:"input_rate_limit_per_second"`

	BrowserBin string `mapstructure:"browser_bin"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	AdjustmentCadenceSeconds int `mapstructure:"adjustment_cadence_seconds"`

	VideoCacheDir       string `mapstructure:"video_cache_dir"`
	VideoCacheMaxBytes  int64  `mapstructure:"video_cache_max_bytes"`
	VideoCacheMaxAgeSec int    `mapstructure:"video_cache_max_age_seconds"`
}

// Default returns the configuration defaults. Values match the defaults
// documented defaults recovered from original_source/config.py
// per SPEC_FULL.md §12.
func Default() *Config {
	return &Config{
		Addr: ":8443",
		TLS:  false,

		MaxSessions:            10,
		IdleTimeoutSeconds:     120,
		CleanupIntervalSeconds: 60,

		StunServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},

		AudioEnabled:    true,
		AudioSampleRate: 48000,
		AudioChannels:   2,
		AudioCaptureCmd: "parec --format=s16le --rate=48000 --channels=2 --raw",

		VideoWidth:     720,
		VideoHeight:    1280,
		Framerate:      30,
		MaxFramerate:   60,
		VideoCodec:     "h264",
		MinBitrate:     500_000,
		DefaultBitrate: 2_000_000,
		MaxBitrate:     5_000_000,

		CorsOrigins: []string{"*"},

		InputRateLimitPerSecond: 200,

		BrowserBin: "",

		LogLevel:  "info",
		LogFormat: "console",

		AdjustmentCadenceSeconds: 5,

		VideoCacheDir:       "./video-cache",
		VideoCacheMaxBytes:  2 << 30, // 2 GiB
		VideoCacheMaxAgeSec: 24 * 3600,
	}
}

// Load builds a Config from defaults, an optional config file, and
// environment variables prefixed TABCAST_. CLI flags are bound on v by
// the caller (cmd/tabcast) before Load is called, so they take
// precedence in Load's Unmarshal.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := Default()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("tabcast")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tabcast")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("TABCAST")
	v.AutomaticEnv()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("tls", cfg.TLS)
	v.SetDefault("max_sessions", cfg.MaxSessions)
	v.SetDefault("idle_timeout_seconds", cfg.IdleTimeoutSeconds)
	v.SetDefault("cleanup_interval_seconds", cfg.CleanupIntervalSeconds)
	v.SetDefault("stun_servers", cfg.StunServers)
	v.SetDefault("audio_enabled", cfg.AudioEnabled)
	v.SetDefault("audio_sample_rate", cfg.AudioSampleRate)
	v.SetDefault("audio_channels", cfg.AudioChannels)
	v.SetDefault("audio_capture_cmd", cfg.AudioCaptureCmd)
	v.SetDefault("video_width", cfg.VideoWidth)
	v.SetDefault("video_height", cfg.VideoHeight)
	v.SetDefault("framerate", cfg.Framerate)
	v.SetDefault("max_framerate", cfg.MaxFramerate)
	v.SetDefault("video_codec", cfg.VideoCodec)
	v.SetDefault("min_bitrate", cfg.MinBitrate)
	v.SetDefault("default_bitrate", cfg.DefaultBitrate)
	v.SetDefault("max_bitrate", cfg.MaxBitrate)
	v.SetDefault("cors_origins", cfg.CorsOrigins)
	v.SetDefault("input_rate_limit_per_second", cfg.InputRateLimitPerSecond)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("adjustment_cadence_seconds", cfg.AdjustmentCadenceSeconds)
	v.SetDefault("video_cache_dir", cfg.VideoCacheDir)
	v.SetDefault("video_cache_max_bytes", cfg.VideoCacheMaxBytes)
	v.SetDefault("video_cache_max_age_seconds", cfg.VideoCacheMaxAgeSec)
}
