package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DeviceConfig is the scan device's local settings. Values come from
// scan-device.yaml and can be overridden with SCANQ_* env vars
// (SCANQ_APP_URL, SCANQ_QUEUE_PATH, SCANQ_TOKEN, ...).
type DeviceConfig struct {
	AppURL         string        `mapstructure:"app_url"`
	QueuePath      string        `mapstructure:"queue_path"`
	Token          string        `mapstructure:"token"`
	ActorRole      string        `mapstructure:"actor_role"`
	Method         string        `mapstructure:"method"`
	ToStage        string        `mapstructure:"to_stage"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

func LoadDeviceConfig(configFile string) (*DeviceConfig, error) {
	v := viper.New()
	v.SetDefault("app_url", AppURL())
	v.SetDefault("queue_path", "scan-queue.db")
	v.SetDefault("token", "")
	v.SetDefault("actor_role", "inventory_manager")
	v.SetDefault("method", "qr_scan")
	v.SetDefault("to_stage", "")
	v.SetDefault("request_timeout", 10*time.Second)

	v.SetEnvPrefix("SCANQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("scan-device")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read device config: %w", err)
		}
	}

	var cfg DeviceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode device config: %w", err)
	}
	cfg.AppURL = strings.TrimRight(strings.TrimSpace(cfg.AppURL), "/")
	if cfg.AppURL == "" {
		return nil, errors.New("device config: app_url is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &cfg, nil
}
