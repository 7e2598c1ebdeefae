package onemeter

import (
	"encoding/json"
	"fmt"
	"time"
)

// OBIS codes reported by OneMeter devices. The S_* codes are OneMeter
// vendor extensions describing the reading device itself rather than the
// meter behind it.
const (
	OBISTariff             = "0_2_2"    // Active tariff
	OBISTime               = "0_9_1"    // Meter time
	OBISDate               = "0_9_2"    // Meter date
	OBISEnergyPlus         = "1_8_0"    // Positive active energy (consumption) total
	OBISEnergyPlusT1       = "1_8_1"    // Positive active energy in tariff I
	OBISEnergyPlusT2       = "1_8_2"    // Positive active energy in tariff II
	OBISEnergyPlusT3       = "1_8_3"    // Positive active energy in tariff III
	OBISEnergyPlusT4       = "1_8_4"    // Positive active energy in tariff IV
	OBISEnergyMinus        = "2_8_0"    // Negative active energy (production) total
	OBISEnergyMinusT1      = "2_8_1"    // Negative active energy in tariff I
	OBISEnergyMinusT2      = "2_8_2"    // Negative active energy in tariff II
	OBISEnergyMinusT3      = "2_8_3"    // Negative active energy in tariff III
	OBISEnergyMinusT4      = "2_8_4"    // Negative active energy in tariff IV
	OBISEnergyR1           = "5_8_0"    // Reactive energy R1 component
	OBISEnergyR1T1         = "5_8_1"    // Reactive energy R1 in tariff I
	OBISEnergyR1T2         = "5_8_2"    // Reactive energy R1 in tariff II
	OBISEnergyR1T3         = "5_8_3"    // Reactive energy R1 in tariff III
	OBISEnergyR1T4         = "5_8_4"    // Reactive energy R1 in tariff IV
	OBISEnergyR4           = "8_8_0"    // Reactive energy R4 component
	OBISEnergyR4T1         = "8_8_1"    // Reactive energy R4 in tariff I
	OBISEnergyR4T2         = "8_8_2"    // Reactive energy R4 in tariff II
	OBISEnergyR4T3         = "8_8_3"    // Reactive energy R4 in tariff III
	OBISEnergyR4T4         = "8_8_4"    // Reactive energy R4 in tariff IV
	OBISEnergyAbs          = "15_8_0"   // Absolute active energy
	OBISPower              = "16_7_0"   // Instantaneous active power
	OBISActiveDemand       = "1_4_0"    // Positive active demand in current period
	OBISActiveMaxDemand    = "1_2_1"    // Positive active cumulative maximum demand
	OBISMeterSerial        = "C_1_0"    // Meter serial number
	OBISOpticalPortSerial  = "C_90_1"   // Optical port serial number
	OBISMeterError         = "F_F_0"    // Meter error status
	OBISPhysicalAddress    = "0_0_0"    // Device address
	OBISBatteryVoltage     = "S_1_1_2"  // OneMeter device battery voltage
	OBISReadoutTimestamp   = "S_1_1_4"  // Readout timestamp (real)
	OBISSuccessfulReadings = "S_1_1_6"  // Successful readouts since restart
	OBISFailedReadings1    = "S_1_1_7"  // Failed readout attempts on 1st/2nd message
	OBISUARTParams         = "S_1_1_8"  // Meter communication parameters
	OBISTemperature        = "S_1_1_9"  // Device temperature
	OBISReadoutCorrected   = "S_1_1_10" // Readout timestamp (corrected)
	OBISEnergyBlink        = "S_1_1_12" // Energy consumption from blink measurements
	OBISDeviceStatus       = "S_1_1_16" // OneMeter device status
	OBISFailedReadings2    = "S_1_1_19" // Failed readouts since restart
)

// Usage holds the monthly consumption totals the API computes server-side.
// Either field may be absent.
type Usage struct {
	ThisMonth     *float64
	PreviousMonth *float64
}

// Snapshot is one device's readings as fetched in a single cycle. It is
// never mutated after construction; a refresh cycle replaces the whole
// snapshot or nothing.
type Snapshot struct {
	DeviceID  string
	Readings  map[string]any // OBIS code -> value
	Usage     Usage
	Firmware  string
	Hardware  string
	FetchedAt time.Time
}

// Value returns the raw reading for an OBIS code.
func (s *Snapshot) Value(code string) (any, bool) {
	v, ok := s.Readings[code]
	return v, ok
}

// Float returns a numeric reading for an OBIS code. JSON numbers arrive
// as float64; anything else reports absent.
func (s *Snapshot) Float(code string) (float64, bool) {
	v, ok := s.Readings[code]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Text returns a string reading for an OBIS code.
func (s *Snapshot) Text(code string) (string, bool) {
	v, ok := s.Readings[code]
	if !ok {
		return "", false
	}
	t, ok := v.(string)
	return t, ok
}

// Device is one entry of the account's device list.
type Device struct {
	ID   string `json:"_id"`
	Info struct {
		Name string `json:"name"`
	} `json:"info"`
}

// Name returns the user-assigned device name, falling back to the tail of
// the device ID.
func (d Device) Name(fallbackLen int) string {
	if d.Info.Name != "" {
		return d.Info.Name
	}
	id := d.ID
	if fallbackLen > 0 && len(id) > fallbackLen {
		id = id[len(id)-fallbackLen:]
	}
	return "OneMeter " + id
}

type usagePayload struct {
	ThisMonth     *float64 `json:"thisMonth"`
	PreviousMonth *float64 `json:"previousMonth"`
}

type devicePayload struct {
	LastReading *struct {
		OBIS map[string]any `json:"OBIS"`
		Info *struct {
			FirmwareVersion string `json:"firmwareVersion"`
			HardwareVersion string `json:"hardwareVersion"`
		} `json:"info"`
	} `json:"lastReading"`
	Usage *usagePayload `json:"usage"`

	// Version fields move around between API revisions.
	FW              string `json:"fw"`
	FirmwareVersion string `json:"firmwareVersion"`
	Version         string `json:"version"`
	HW              string `json:"hw"`
	HardwareVersion string `json:"hardwareVersion"`

	// Some API responses wrap the device in a one-element list.
	Devices []json.RawMessage `json:"devices"`
}

// parseSnapshot decodes a devices/{id} response body. Missing OBIS codes
// are simply absent from the result, not an error.
func parseSnapshot(deviceID string, body []byte, fetchedAt time.Time) (*Snapshot, error) {
	var payload devicePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	// Unwrap the nested variant before reading fields.
	if payload.LastReading == nil && len(payload.Devices) > 0 {
		var inner devicePayload
		if err := json.Unmarshal(payload.Devices[0], &inner); err != nil {
			return nil, err
		}
		payload = inner
	}

	snap := &Snapshot{
		DeviceID:  deviceID,
		Readings:  map[string]any{},
		FetchedAt: fetchedAt,
	}
	if payload.LastReading != nil {
		for code, value := range payload.LastReading.OBIS {
			if value != nil {
				snap.Readings[code] = value
			}
		}
	}
	if payload.Usage != nil {
		snap.Usage.ThisMonth = payload.Usage.ThisMonth
		snap.Usage.PreviousMonth = payload.Usage.PreviousMonth
	}

	snap.Firmware = firstNonEmpty(payload.FW, payload.FirmwareVersion, payload.Version)
	snap.Hardware = firstNonEmpty(payload.HW, payload.HardwareVersion)
	if payload.LastReading != nil && payload.LastReading.Info != nil {
		snap.Firmware = firstNonEmpty(snap.Firmware, payload.LastReading.Info.FirmwareVersion)
		snap.Hardware = firstNonEmpty(snap.Hardware, payload.LastReading.Info.HardwareVersion)
	}
	return snap, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type readingsPayload struct {
	Readings []map[string]any `json:"readings"`
}

// parseReadings decodes a devices/{id}/readings response into a code to
// value map. Only the most recent reading is used. Readings either nest
// the codes under an OBIS key or carry them directly.
func parseReadings(body []byte) (map[string]any, error) {
	var payload readingsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if len(payload.Readings) == 0 {
		return map[string]any{}, nil
	}

	reading := payload.Readings[0]
	values := map[string]any{}
	if nested, ok := reading["OBIS"].(map[string]any); ok {
		for code, value := range nested {
			if value != nil {
				values[code] = value
			}
		}
		return values, nil
	}
	for code, value := range reading {
		if value != nil {
			values[code] = value
		}
	}
	return values, nil
}

type devicesPayload struct {
	Devices []Device `json:"devices"`
}

func parseDevices(body []byte) ([]Device, error) {
	var payload devicesPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	for _, d := range payload.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("device entry without _id")
		}
	}
	return payload.Devices, nil
}
