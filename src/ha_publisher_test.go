package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SaDiablo/onemeter-bridge/src/onemeter"
)

// drainMessages collects everything currently buffered on the channel
func drainMessages(ch chan MQTTMessage) []MQTTMessage {
	var msgs []MQTTMessage
	for {
		select {
		case msg := <-ch:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func newTestPublisher() (*HAPublisher, chan MQTTMessage) {
	ch := make(chan MQTTMessage, 100)
	return NewHAPublisher(NewMQTTSender(ch), "dev-1", "Main Meter"), ch
}

func successResult(readings map[string]any) CycleResult {
	return CycleResult{
		DeviceID: "dev-1",
		Name:     "Main Meter",
		Snapshot: &onemeter.Snapshot{DeviceID: "dev-1", Readings: readings},
	}
}

func TestOnCycle_PublishesDiscoveryAvailabilityAndState(t *testing.T) {
	p, ch := newTestPublisher()

	p.OnCycle(successResult(map[string]any{
		onemeter.OBISEnergyPlus:  12345.67,
		onemeter.OBISPower:       0.41,
		onemeter.OBISMeterSerial: "87654321",
	}))

	msgs := drainMessages(ch)

	var configTopics []string
	var state map[string]any
	availability := ""
	for _, msg := range msgs {
		switch {
		case strings.HasSuffix(msg.Topic, "/config"):
			configTopics = append(configTopics, msg.Topic)
			assert.True(t, msg.Retain)
		case msg.Topic == "homeassistant/sensor/main_meter/availability":
			availability = string(msg.Payload)
		case msg.Topic == "homeassistant/sensor/main_meter/state":
			assert.NoError(t, json.Unmarshal(msg.Payload, &state))
		}
	}

	// One discovery config per sensor present in the snapshot
	assert.Contains(t, configTopics, "homeassistant/sensor/main_meter_energy_plus/config")
	assert.Contains(t, configTopics, "homeassistant/sensor/main_meter_power/config")
	assert.Contains(t, configTopics, "homeassistant/sensor/main_meter_meter_serial/config")
	// Sensors the device never reported get no entity
	assert.NotContains(t, configTopics, "homeassistant/sensor/main_meter_temperature/config")

	assert.Equal(t, "online", availability)
	assert.Equal(t, 12345.67, state["energy_plus"])
	assert.Equal(t, 0.41, state["power"])
	_, present := state["temperature"]
	assert.False(t, present)
}

func TestOnCycle_DiscoveryConfigShape(t *testing.T) {
	p, ch := newTestPublisher()

	p.OnCycle(successResult(map[string]any{onemeter.OBISEnergyPlus: 1.0}))

	for _, msg := range drainMessages(ch) {
		if msg.Topic != "homeassistant/sensor/main_meter_energy_plus/config" {
			continue
		}
		var config map[string]any
		assert.NoError(t, json.Unmarshal(msg.Payload, &config))
		assert.Equal(t, "energy", config["device_class"])
		assert.Equal(t, "total_increasing", config["state_class"])
		assert.Equal(t, "kWh", config["unit_of_measurement"])
		assert.Equal(t, "homeassistant/sensor/main_meter/state", config["state_topic"])
		assert.Equal(t, "homeassistant/sensor/main_meter/availability", config["availability_topic"])
		assert.Equal(t, "{{ value_json.energy_plus }}", config["value_template"])
		assert.Equal(t, "main_meter_energy_plus", config["unique_id"])
		assert.Equal(t, true, config["enabled_by_default"])
		device := config["device"].(map[string]any)
		assert.Equal(t, []any{"dev-1"}, device["identifiers"])
		assert.Equal(t, "OneMeter", device["manufacturer"])
		return
	}
	t.Fatal("no discovery config for energy_plus published")
}

func TestOnCycle_DeviceVersionsInDiscovery(t *testing.T) {
	p, ch := newTestPublisher()

	p.OnCycle(CycleResult{
		DeviceID: "dev-1",
		Name:     "Main Meter",
		Snapshot: &onemeter.Snapshot{
			DeviceID: "dev-1",
			Readings: map[string]any{onemeter.OBISEnergyPlus: 1.0},
			Firmware: "1.4.2",
			Hardware: "B2",
		},
	})

	for _, msg := range drainMessages(ch) {
		if msg.Topic != "homeassistant/sensor/main_meter_energy_plus/config" {
			continue
		}
		var config map[string]any
		assert.NoError(t, json.Unmarshal(msg.Payload, &config))
		device := config["device"].(map[string]any)
		assert.Equal(t, "1.4.2", device["sw_version"])
		assert.Equal(t, "B2", device["hw_version"])
		assert.Equal(t, "Cloud Energy Monitor B2", device["model"])
		return
	}
	t.Fatal("no discovery config for energy_plus published")
}

func TestOnCycle_DiagnosticSensorsMarked(t *testing.T) {
	p, ch := newTestPublisher()

	p.OnCycle(successResult(map[string]any{onemeter.OBISBatteryVoltage: 2.5}))

	for _, msg := range drainMessages(ch) {
		if msg.Topic != "homeassistant/sensor/main_meter_battery_voltage/config" {
			continue
		}
		var config map[string]any
		assert.NoError(t, json.Unmarshal(msg.Payload, &config))
		assert.Equal(t, "diagnostic", config["entity_category"])
		return
	}
	t.Fatal("no discovery config for battery_voltage published")
}

func TestOnCycle_FailureFlipsAvailabilityOnly(t *testing.T) {
	p, ch := newTestPublisher()
	p.OnCycle(successResult(map[string]any{onemeter.OBISEnergyPlus: 1.0}))
	drainMessages(ch)

	p.OnCycle(CycleResult{
		DeviceID: "dev-1",
		Name:     "Main Meter",
		Err:      &CycleFailedError{DeviceID: "dev-1", Err: onemeter.ErrRateLimited},
	})

	msgs := drainMessages(ch)
	assert.Len(t, msgs, 1)
	assert.Equal(t, "homeassistant/sensor/main_meter/availability", msgs[0].Topic)
	assert.Equal(t, "offline", string(msgs[0].Payload))

	// A second consecutive failure publishes nothing new
	p.OnCycle(CycleResult{
		DeviceID: "dev-1",
		Name:     "Main Meter",
		Err:      &CycleFailedError{DeviceID: "dev-1", Err: onemeter.ErrRateLimited},
	})
	assert.Empty(t, drainMessages(ch))
}

func TestOnCycle_RecoveryRestoresAvailabilityAndValues(t *testing.T) {
	p, ch := newTestPublisher()
	p.OnCycle(successResult(map[string]any{onemeter.OBISEnergyPlus: 1.0}))
	p.OnCycle(CycleResult{DeviceID: "dev-1", Name: "Main Meter", Err: &CycleFailedError{DeviceID: "dev-1", Err: onemeter.ErrRateLimited}})
	drainMessages(ch)

	p.OnCycle(successResult(map[string]any{onemeter.OBISEnergyPlus: 2.5}))

	var availability string
	var state map[string]any
	for _, msg := range drainMessages(ch) {
		switch msg.Topic {
		case "homeassistant/sensor/main_meter/availability":
			availability = string(msg.Payload)
		case "homeassistant/sensor/main_meter/state":
			assert.NoError(t, json.Unmarshal(msg.Payload, &state))
		}
	}
	assert.Equal(t, "online", availability)
	assert.Equal(t, 2.5, state["energy_plus"])
}

func TestOnCycle_DiscoveryPublishedOncePerSensor(t *testing.T) {
	p, ch := newTestPublisher()

	p.OnCycle(successResult(map[string]any{onemeter.OBISEnergyPlus: 1.0}))
	p.OnCycle(successResult(map[string]any{onemeter.OBISEnergyPlus: 2.0}))

	configs := 0
	for _, msg := range drainMessages(ch) {
		if strings.HasSuffix(msg.Topic, "/config") {
			configs++
		}
	}
	assert.Equal(t, 1, configs)
}

func TestOnCycle_LateSensorGetsDiscoveredLater(t *testing.T) {
	p, ch := newTestPublisher()

	p.OnCycle(successResult(map[string]any{onemeter.OBISEnergyPlus: 1.0}))
	drainMessages(ch)

	// Power shows up for the first time in the second cycle
	p.OnCycle(successResult(map[string]any{
		onemeter.OBISEnergyPlus: 2.0,
		onemeter.OBISPower:      0.5,
	}))

	found := false
	for _, msg := range drainMessages(ch) {
		if msg.Topic == "homeassistant/sensor/main_meter_power/config" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMeterSerial_NumericForm(t *testing.T) {
	snap := &onemeter.Snapshot{Readings: map[string]any{onemeter.OBISMeterSerial: 12345678.0}}
	assert.Equal(t, "12345678", meterSerial(snap))
}

func TestDeviceSlug(t *testing.T) {
	assert.Equal(t, "main_meter", deviceSlug("Main Meter"))
	assert.Equal(t, "onemeter_abc123", deviceSlug("OneMeter abc123"))
}
