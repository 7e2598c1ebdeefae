package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validTestConfig() *Config {
	return &Config{
		MQTTBroker:     "homeassistant.lan",
		RefreshMinutes: 15,
		Devices:        []DeviceConfig{{ID: "dev-1", Name: "Main"}},
	}
}

func TestValidateConfig_Valid(t *testing.T) {
	assert.NoError(t, validateConfig(validTestConfig()))
}

func TestValidateConfig_RefreshMinutes(t *testing.T) {
	for _, minutes := range []int{1, 5, 15} {
		config := validTestConfig()
		config.RefreshMinutes = minutes
		assert.NoError(t, validateConfig(config))
	}
	for _, minutes := range []int{0, 2, 10, 30} {
		config := validTestConfig()
		config.RefreshMinutes = minutes
		assert.Error(t, validateConfig(config), "refresh_minutes %d should be rejected", minutes)
	}
}

func TestValidateConfig_RequiresDevices(t *testing.T) {
	config := validTestConfig()
	config.Devices = nil
	assert.Error(t, validateConfig(config))
}

func TestValidateConfig_RejectsDuplicateDevice(t *testing.T) {
	config := validTestConfig()
	config.Devices = append(config.Devices, DeviceConfig{ID: "dev-1"})
	assert.Error(t, validateConfig(config))
}

func TestValidateConfig_RejectsMissingID(t *testing.T) {
	config := validTestConfig()
	config.Devices = []DeviceConfig{{Name: "nameless"}}
	assert.Error(t, validateConfig(config))
}

func TestValidateConfig_RequiresBroker(t *testing.T) {
	config := validTestConfig()
	config.MQTTBroker = ""
	assert.Error(t, validateConfig(config))
}

func TestRefreshInterval(t *testing.T) {
	config := validTestConfig()
	assert.Equal(t, 15*time.Minute, config.RefreshInterval())
}

func TestDeviceDisplayName(t *testing.T) {
	assert.Equal(t, "Main", deviceDisplayName(DeviceConfig{ID: "dev-1", Name: "Main"}))
	// Unnamed devices use the ID tail
	assert.Equal(t, "OneMeter 90abcdef", deviceDisplayName(DeviceConfig{ID: "1234567890abcdef"}))
	assert.Equal(t, "OneMeter abc", deviceDisplayName(DeviceConfig{ID: "abc"}))
}
