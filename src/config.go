package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/SaDiablo/onemeter-bridge/src/onemeter"
)

// DeviceConfig selects one OneMeter device to bridge.
type DeviceConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// Config holds everything the bridge reads from its config file and
// flags. Secrets (API key, MQTT credentials) come from the environment
// instead, see main.go.
type Config struct {
	MQTTBroker   string `mapstructure:"mqtt_broker"`   // broker hostname, port 1883
	MQTTClientID string `mapstructure:"mqtt_client_id"`

	APIBaseURL     string `mapstructure:"api_base_url"`
	RefreshMinutes int    `mapstructure:"refresh_minutes"` // 1, 5 or 15

	StatusPort int  `mapstructure:"status_port"` // 0 disables the status server
	Debug      bool `mapstructure:"debug"`       // interactive debug console

	Devices []DeviceConfig `mapstructure:"devices"`
}

// RefreshInterval returns the refresh cadence as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshMinutes) * time.Minute
}

// LoadConfig reads configuration from flags and the config file.
func LoadConfig() (*Config, error) {
	viper.SetDefault("mqtt_broker", "homeassistant.lan")
	viper.SetDefault("mqtt_client_id", "onemeter-bridge")
	viper.SetDefault("api_base_url", onemeter.DefaultBaseURL)
	viper.SetDefault("refresh_minutes", 15)
	viper.SetDefault("status_port", 0)
	viper.SetDefault("debug", false)

	pflag.StringP("config", "c", "", "Configuration file path.")
	pflag.StringP("mqtt_broker", "b", viper.GetString("mqtt_broker"), "MQTT broker hostname.")
	pflag.IntP("refresh_minutes", "r", viper.GetInt("refresh_minutes"), "Refresh interval in minutes (1, 5 or 15).")
	pflag.IntP("status_port", "p", viper.GetInt("status_port"), "HTTP status server port (0 to disable).")
	pflag.BoolP("debug", "d", viper.GetBool("debug"), "Run the interactive debug console.")
	pflag.Parse()

	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		return nil, fmt.Errorf("failed to bind pflags: %w", err)
	}

	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/onemeter-bridge/")
		viper.AddConfigPath("$HOME/.onemeter-bridge")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine as long as devices come from
		// somewhere; validateConfig catches an empty device list.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// validateConfig rejects configurations the bridge cannot run with.
func validateConfig(config *Config) error {
	switch config.RefreshMinutes {
	case 1, 5, 15:
	default:
		return fmt.Errorf("refresh_minutes must be 1, 5 or 15, got %d", config.RefreshMinutes)
	}

	if config.MQTTBroker == "" {
		return fmt.Errorf("mqtt_broker must be set")
	}

	if len(config.Devices) == 0 {
		return fmt.Errorf("at least one device must be configured")
	}
	seen := map[string]bool{}
	for i, device := range config.Devices {
		if device.ID == "" {
			return fmt.Errorf("devices[%d] is missing an id", i)
		}
		if seen[device.ID] {
			return fmt.Errorf("device %s configured twice", device.ID)
		}
		seen[device.ID] = true
	}
	return nil
}

// deviceDisplayName fills in a name for devices configured without one,
// matching the naming the cloud uses.
func deviceDisplayName(device DeviceConfig) string {
	if device.Name != "" {
		return device.Name
	}
	id := device.ID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "OneMeter " + id
}
