package main

import (
	"encoding/json"
	"log"
	"strconv"
	"strings"

	"github.com/SaDiablo/onemeter-bridge/src/onemeter"
)

type haDeviceConfig struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
	HwVersion    string   `json:"hw_version,omitempty"`
}

type haEntityConfig struct {
	Name              string         `json:"name,omitempty"`
	DeviceClass       string         `json:"device_class,omitempty"`
	StateTopic        string         `json:"state_topic"`
	AvailabilityTopic string         `json:"availability_topic"`
	UnitOfMeasure     string         `json:"unit_of_measurement,omitempty"`
	ValueTemplate     string         `json:"value_template"`
	UniqueId          string         `json:"unique_id"`
	StateClass        string         `json:"state_class,omitempty"`
	Icon              string         `json:"icon,omitempty"`
	EntityCategory    string         `json:"entity_category,omitempty"`
	EnabledByDefault  bool           `json:"enabled_by_default"`
	DisplayPrecision  int            `json:"suggested_display_precision,omitempty"`
	Device            haDeviceConfig `json:"device"`
}

// HAPublisher turns coordinator cycle results into Home Assistant MQTT
// discovery entities: one config per sensor descriptor, a shared state
// topic with a JSON body, and an availability topic that tracks cycle
// health. It is registered as a coordinator listener.
type HAPublisher struct {
	sender   *MQTTSender
	deviceID string
	name     string
	slug     string

	discovered map[string]bool
	online     bool
	announced  bool
}

// NewHAPublisher creates a publisher for one device.
func NewHAPublisher(sender *MQTTSender, deviceID, name string) *HAPublisher {
	return &HAPublisher{
		sender:     sender,
		deviceID:   deviceID,
		name:       name,
		slug:       deviceSlug(name),
		discovered: map[string]bool{},
	}
}

// deviceSlug converts a display name into a topic-safe identifier
func deviceSlug(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

func (p *HAPublisher) stateTopic() string {
	return "homeassistant/sensor/" + p.slug + "/state"
}

func (p *HAPublisher) availabilityTopic() string {
	return "homeassistant/sensor/" + p.slug + "/availability"
}

// OnCycle implements UpdateListener. A failed cycle only flips
// availability; states are re-published on the next successful cycle
// from the snapshot that replaced the stale one.
func (p *HAPublisher) OnCycle(result CycleResult) {
	if result.Err != nil {
		log.Printf("%s: marking unavailable: %v\n", p.name, result.Err)
		p.setAvailability(false)
		return
	}

	p.ensureDiscovery(result.Snapshot)
	p.setAvailability(true)
	p.publishState(result.Snapshot)
}

// ensureDiscovery publishes a retained discovery config for every sensor
// that has appeared in a snapshot at least once. Sensors the device never
// reports get no entity.
func (p *HAPublisher) ensureDiscovery(snap *onemeter.Snapshot) {
	model := "Cloud Energy Monitor"
	if snap.Hardware != "" {
		model += " " + snap.Hardware
	}
	device := haDeviceConfig{
		Identifiers:  []string{p.deviceID},
		Name:         p.name,
		Manufacturer: "OneMeter",
		Model:        model,
		SerialNumber: meterSerial(snap),
		SwVersion:    snap.Firmware,
		HwVersion:    snap.Hardware,
	}

	for _, desc := range sensorDescriptors {
		if p.discovered[desc.Key] {
			continue
		}
		if _, ok := SensorValue(desc, snap); !ok {
			continue
		}

		config := haEntityConfig{
			Name:              desc.Name,
			DeviceClass:       desc.DeviceClass,
			StateTopic:        p.stateTopic(),
			AvailabilityTopic: p.availabilityTopic(),
			UnitOfMeasure:     desc.Unit,
			ValueTemplate:     "{{ value_json." + desc.Key + " }}",
			UniqueId:          p.slug + "_" + desc.Key,
			StateClass:        desc.StateClass,
			Icon:              desc.Icon,
			EnabledByDefault:  desc.EnabledByDefault,
			DisplayPrecision:  desc.Precision,
			Device:            device,
		}
		if desc.Diagnostic {
			config.EntityCategory = "diagnostic"
		}

		payload, err := json.Marshal(config)
		if err != nil {
			log.Printf("%s: failed to marshal discovery config for %s: %v\n", p.name, desc.Key, err)
			continue
		}

		p.sender.Send(MQTTMessage{
			Topic:   "homeassistant/sensor/" + p.slug + "_" + desc.Key + "/config",
			Payload: payload,
			QoS:     2,
			Retain:  true,
		})
		p.discovered[desc.Key] = true
	}
}

func (p *HAPublisher) setAvailability(online bool) {
	if p.announced && p.online == online {
		return
	}
	p.announced = true
	p.online = online

	payload := "offline"
	if online {
		payload = "online"
	}
	p.sender.Send(MQTTMessage{
		Topic:   p.availabilityTopic(),
		Payload: []byte(payload),
		QoS:     1,
		Retain:  true,
	})
}

func (p *HAPublisher) publishState(snap *onemeter.Snapshot) {
	state := map[string]any{}
	for _, desc := range sensorDescriptors {
		if value, ok := SensorValue(desc, snap); ok {
			state[desc.Key] = value
		}
	}

	payload, err := json.Marshal(state)
	if err != nil {
		log.Printf("%s: failed to marshal state payload: %v\n", p.name, err)
		return
	}

	p.sender.Send(MQTTMessage{
		Topic:   p.stateTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  false,
	})
}

// meterSerial returns the meter serial as a string regardless of whether
// the API reported it as text or a number.
func meterSerial(snap *onemeter.Snapshot) string {
	if serial, ok := snap.Text(onemeter.OBISMeterSerial); ok {
		return serial
	}
	if serial, ok := snap.Float(onemeter.OBISMeterSerial); ok {
		return strconv.FormatFloat(serial, 'f', -1, 64)
	}
	return ""
}
