package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	bridge "github.com/MegaGrindStone/go-mcp-bridge"
)

const (
	configKey         = "config"
	logLevelKey       = "log.level"
	logFormatKey      = "log.format"
	listenKey         = "listen"
	baseURLKey        = "base_url"
	ssePathKey        = "sse_path"
	messagePathKey    = "message_path"
	metricsPathKey    = "metrics_path"
	maxMessageKey     = "max_message_bytes"
	keepAliveKey      = "keepalive"
	redisAddrKey      = "redis.addr"
	redisKeyPrefixKey = "redis.key_prefix"
	redisLeaseTTLKey  = "redis.lease_ttl"
	toolsKey          = "tools"
	callURLKey        = "call.url"
	callTimeoutKey    = "call.timeout"
)

// Config is the resolved configuration of the serve command.
type Config struct {
	Listen          string
	BaseURL         string
	SSEPath         string
	MessagePath     string
	MetricsPath     string
	MaxMessageBytes int64
	KeepAlive       time.Duration
	RedisAddr       string
	RedisKeyPrefix  string
	RedisLeaseTTL   time.Duration
	Tools           []string
	LogLevel        string
	LogFormat       string
}

func mustBindFlag(v *viper.Viper, key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := v.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

// loadConfigFile reads the file named by --config, if any. Keys in the file sit below flags and
// environment variables.
func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString(configKey))
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func configFromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Listen:          strings.TrimSpace(v.GetString(listenKey)),
		BaseURL:         strings.TrimRight(strings.TrimSpace(v.GetString(baseURLKey)), "/"),
		SSEPath:         strings.TrimSpace(v.GetString(ssePathKey)),
		MessagePath:     strings.TrimSpace(v.GetString(messagePathKey)),
		MetricsPath:     strings.TrimSpace(v.GetString(metricsPathKey)),
		MaxMessageBytes: v.GetInt64(maxMessageKey),
		KeepAlive:       v.GetDuration(keepAliveKey),
		RedisAddr:       strings.TrimSpace(v.GetString(redisAddrKey)),
		RedisKeyPrefix:  strings.TrimSpace(v.GetString(redisKeyPrefixKey)),
		RedisLeaseTTL:   v.GetDuration(redisLeaseTTLKey),
		Tools:           v.GetStringSlice(toolsKey),
		LogLevel:        strings.TrimSpace(v.GetString(logLevelKey)),
		LogFormat:       strings.TrimSpace(v.GetString(logFormatKey)),
	}

	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8080"
	}
	if cfg.SSEPath == "" {
		cfg.SSEPath = bridge.DefaultSSEPath
	}
	if cfg.MessagePath == "" {
		cfg.MessagePath = bridge.DefaultMessagePath
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = bridge.DefaultMaxMessageSize
	}

	for name, p := range map[string]string{
		"sse path":     cfg.SSEPath,
		"message path": cfg.MessagePath,
	} {
		if !strings.HasPrefix(p, "/") {
			return Config{}, fmt.Errorf("%s must start with /: %q", name, p)
		}
	}
	if cfg.SSEPath == cfg.MessagePath {
		return Config{}, fmt.Errorf("sse path and message path must differ: %q", cfg.SSEPath)
	}
	if cfg.MetricsPath != "" && !strings.HasPrefix(cfg.MetricsPath, "/") {
		return Config{}, fmt.Errorf("metrics path must start with /: %q", cfg.MetricsPath)
	}
	if cfg.KeepAlive < 0 {
		return Config{}, fmt.Errorf("keepalive must not be negative: %s", cfg.KeepAlive)
	}

	return cfg, nil
}

// MessageURL is the endpoint announced to clients: absolute when a base URL is configured,
// otherwise relative to the event stream URL.
func (c Config) MessageURL() string {
	return c.BaseURL + c.MessagePath
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}
