package main

import (
	"slices"
	"strconv"
	"strings"

	"github.com/SaDiablo/onemeter-bridge/src/onemeter"
)

// Sensor keys with no OBIS code of their own, derived from other readings
// or from the usage block.
const (
	keyBatteryPercentage = "battery_percentage"
	keyIRPower           = "ir_power"
	keyBaudRate          = "baud_rate"
	keyThisMonth         = "this_month"
	keyPreviousMonth     = "previous_month"
)

// SensorDescriptor is one static entry of the sensor table: which OBIS
// code feeds it and how Home Assistant should present it.
type SensorDescriptor struct {
	Key              string
	OBISCode         string // empty for derived and usage sensors
	Name             string
	Unit             string
	DeviceClass      string
	StateClass       string
	Icon             string
	Diagnostic       bool
	EnabledByDefault bool
	Precision        int
}

// sensorDescriptors mirrors the OneMeter OBIS documentation. Order is the
// order entities appear in Home Assistant.
var sensorDescriptors = []SensorDescriptor{
	// Primary sensors
	{Key: "tariff", OBISCode: onemeter.OBISTariff, Name: "Tariff", Icon: "mdi:tag", EnabledByDefault: true},
	{Key: "energy_plus", OBISCode: onemeter.OBISEnergyPlus, Name: "Energy A+ (total)", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:lightning-bolt", EnabledByDefault: true, Precision: 2},
	{Key: "energy_minus", OBISCode: onemeter.OBISEnergyMinus, Name: "Energy A- (total)", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:lightning-bolt-outline", EnabledByDefault: true, Precision: 2},
	{Key: "energy_r1", OBISCode: onemeter.OBISEnergyR1, Name: "Energy R1 (total)", Unit: "kvarh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:flash", EnabledByDefault: true, Precision: 2},
	{Key: "energy_r4", OBISCode: onemeter.OBISEnergyR4, Name: "Energy R4 (total)", Unit: "kvarh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:flash", EnabledByDefault: true, Precision: 2},
	{Key: "energy_abs", OBISCode: onemeter.OBISEnergyAbs, Name: "Energy |A| (total)", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:speedometer", EnabledByDefault: true, Precision: 2},
	{Key: "power", OBISCode: onemeter.OBISPower, Name: "Instantaneous Power", Unit: "kW", DeviceClass: "power", StateClass: "measurement", Icon: "mdi:flash-outline", EnabledByDefault: true, Precision: 2},
	{Key: "energy_plus_t1", OBISCode: onemeter.OBISEnergyPlusT1, Name: "Energy A+ (tariff I)", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:lightning-bolt", EnabledByDefault: true, Precision: 2},
	{Key: "energy_plus_t2", OBISCode: onemeter.OBISEnergyPlusT2, Name: "Energy A+ (tariff II)", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:lightning-bolt", EnabledByDefault: true, Precision: 2},
	{Key: "energy_plus_t3", OBISCode: onemeter.OBISEnergyPlusT3, Name: "Energy A+ (tariff III)", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:lightning-bolt", EnabledByDefault: true, Precision: 2},
	{Key: "energy_plus_t4", OBISCode: onemeter.OBISEnergyPlusT4, Name: "Energy A+ (tariff IV)", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:lightning-bolt", EnabledByDefault: true, Precision: 2},
	{Key: "energy_minus_t1", OBISCode: onemeter.OBISEnergyMinusT1, Name: "Energy A- (tariff I)", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:lightning-bolt-outline", EnabledByDefault: true, Precision: 2},
	{Key: "energy_minus_t2", OBISCode: onemeter.OBISEnergyMinusT2, Name: "Energy A- (tariff II)", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:lightning-bolt-outline", EnabledByDefault: true, Precision: 2},
	{Key: "energy_minus_t3", OBISCode: onemeter.OBISEnergyMinusT3, Name: "Energy A- (tariff III)", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:lightning-bolt-outline", EnabledByDefault: true, Precision: 2},
	{Key: "energy_minus_t4", OBISCode: onemeter.OBISEnergyMinusT4, Name: "Energy A- (tariff IV)", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:lightning-bolt-outline", EnabledByDefault: true, Precision: 2},
	{Key: "energy_r1_t1", OBISCode: onemeter.OBISEnergyR1T1, Name: "Reactive energy R1 (tariff I)", Unit: "kvarh", StateClass: "total_increasing", Icon: "mdi:flash", EnabledByDefault: true, Precision: 2},
	{Key: "energy_r1_t2", OBISCode: onemeter.OBISEnergyR1T2, Name: "Reactive energy R1 (tariff II)", Unit: "kvarh", StateClass: "total_increasing", Icon: "mdi:flash", EnabledByDefault: true, Precision: 2},
	{Key: "energy_r1_t3", OBISCode: onemeter.OBISEnergyR1T3, Name: "Reactive energy R1 (tariff III)", Unit: "kvarh", StateClass: "total_increasing", Icon: "mdi:flash", EnabledByDefault: true, Precision: 2},
	{Key: "energy_r1_t4", OBISCode: onemeter.OBISEnergyR1T4, Name: "Reactive energy R1 (tariff IV)", Unit: "kvarh", StateClass: "total_increasing", Icon: "mdi:flash", EnabledByDefault: true, Precision: 2},
	{Key: "energy_r4_t1", OBISCode: onemeter.OBISEnergyR4T1, Name: "Reactive energy R4 (tariff I)", Unit: "kvarh", StateClass: "total_increasing", Icon: "mdi:flash", EnabledByDefault: true, Precision: 2},
	{Key: "energy_r4_t2", OBISCode: onemeter.OBISEnergyR4T2, Name: "Reactive energy R4 (tariff II)", Unit: "kvarh", StateClass: "total_increasing", Icon: "mdi:flash", EnabledByDefault: true, Precision: 2},
	{Key: "energy_r4_t3", OBISCode: onemeter.OBISEnergyR4T3, Name: "Reactive energy R4 (tariff III)", Unit: "kvarh", StateClass: "total_increasing", Icon: "mdi:flash", EnabledByDefault: true, Precision: 2},
	{Key: "energy_r4_t4", OBISCode: onemeter.OBISEnergyR4T4, Name: "Reactive energy R4 (tariff IV)", Unit: "kvarh", StateClass: "total_increasing", Icon: "mdi:flash", EnabledByDefault: true, Precision: 2},
	{Key: "energy_consumption_blink", OBISCode: onemeter.OBISEnergyBlink, Name: "Energy Consumption (blink)", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:lightning-bolt", EnabledByDefault: true, Precision: 2},
	{Key: "active_demand", OBISCode: onemeter.OBISActiveDemand, Name: "Active Demand Current", Unit: "kW", DeviceClass: "power", StateClass: "measurement", Icon: "mdi:gauge", EnabledByDefault: true, Precision: 2},
	{Key: "active_max_demand", OBISCode: onemeter.OBISActiveMaxDemand, Name: "Active Max Demand", Unit: "kW", DeviceClass: "power", Icon: "mdi:gauge", EnabledByDefault: true, Precision: 2},
	{Key: "time", OBISCode: onemeter.OBISTime, Name: "Time", DeviceClass: "timestamp", Icon: "mdi:clock", EnabledByDefault: true},
	{Key: "readout_timestamp", OBISCode: onemeter.OBISReadoutTimestamp, Name: "Readout Timestamp", DeviceClass: "timestamp", Icon: "mdi:clock-outline", EnabledByDefault: true},

	// Monthly usage computed by the cloud
	{Key: keyThisMonth, Name: "This Month Usage", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:calendar-month", EnabledByDefault: true, Precision: 1},
	{Key: keyPreviousMonth, Name: "Previous Month Usage", Unit: "kWh", DeviceClass: "energy", Icon: "mdi:calendar-month", EnabledByDefault: true, Precision: 1},

	// Diagnostics for the OneMeter reader itself
	{Key: "battery_voltage", OBISCode: onemeter.OBISBatteryVoltage, Name: "Battery Voltage", Unit: "V", DeviceClass: "voltage", StateClass: "measurement", Icon: "mdi:battery", Diagnostic: true, EnabledByDefault: true, Precision: 2},
	{Key: keyBatteryPercentage, Name: "Battery Percentage", Unit: "%", DeviceClass: "battery", StateClass: "measurement", Icon: "mdi:battery", Diagnostic: true, EnabledByDefault: true},
	{Key: "temperature", OBISCode: onemeter.OBISTemperature, Name: "Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:thermometer", Diagnostic: true, EnabledByDefault: true, Precision: 1},
	{Key: "meter_serial", OBISCode: onemeter.OBISMeterSerial, Name: "Meter Serial Number", Icon: "mdi:barcode", Diagnostic: true, EnabledByDefault: true},
	{Key: "optical_port_serial", OBISCode: onemeter.OBISOpticalPortSerial, Name: "Optical Port Serial Number", Icon: "mdi:barcode", Diagnostic: true, EnabledByDefault: true},
	{Key: "date", OBISCode: onemeter.OBISDate, Name: "Last Total Readout", DeviceClass: "timestamp", Icon: "mdi:calendar", Diagnostic: true, EnabledByDefault: true},
	{Key: "readout_timestamp_corrected", OBISCode: onemeter.OBISReadoutCorrected, Name: "Readout Timestamp Corrected", DeviceClass: "timestamp", Icon: "mdi:clock", Diagnostic: true, EnabledByDefault: true},
	{Key: "uart_params", OBISCode: onemeter.OBISUARTParams, Name: "UART Communication Parameters", Icon: "mdi:router-wireless", Diagnostic: true, EnabledByDefault: true},
	{Key: keyIRPower, Name: "IR Power", Icon: "mdi:signal", Diagnostic: true},
	{Key: keyBaudRate, Name: "Baud Rate", Unit: "Bd", Icon: "mdi:swap-horizontal", Diagnostic: true},
	{Key: "device_status", OBISCode: onemeter.OBISDeviceStatus, Name: "Device Status", Icon: "mdi:information-outline", Diagnostic: true, EnabledByDefault: true},

	// Hidden diagnostics, disabled unless the user opts in
	{Key: "meter_error", OBISCode: onemeter.OBISMeterError, Name: "Meter Error", Icon: "mdi:alert-circle-outline", Diagnostic: true},
	{Key: "physical_address", OBISCode: onemeter.OBISPhysicalAddress, Name: "Physical Address", Icon: "mdi:map-marker", Diagnostic: true},
	{Key: "successful_readings", OBISCode: onemeter.OBISSuccessfulReadings, Name: "Successful Readings Count", StateClass: "total_increasing", Icon: "mdi:check-circle-outline", Diagnostic: true},
	{Key: "failed_readings_1", OBISCode: onemeter.OBISFailedReadings1, Name: "Failed Readings Count (1)", StateClass: "total_increasing", Icon: "mdi:alert", Diagnostic: true},
	{Key: "failed_readings_2", OBISCode: onemeter.OBISFailedReadings2, Name: "Failed Readings Count (2)", StateClass: "total_increasing", Icon: "mdi:alert-circle", Diagnostic: true},
}

// descriptorOBISCodes returns the deduped OBIS codes the sensor table
// reads, used as the backfill list for the readings endpoint.
func descriptorOBISCodes() []string {
	var codes []string //nolint:prealloc // small slice, not worth preallocating
	for _, desc := range sensorDescriptors {
		if desc.OBISCode != "" {
			codes = append(codes, desc.OBISCode)
		}
	}
	slices.Sort(codes)
	return slices.Compact(codes)
}

// SensorValue resolves one descriptor against a snapshot. The boolean
// reports presence: a code missing from the snapshot is absent, never
// zero.
func SensorValue(desc SensorDescriptor, snap *onemeter.Snapshot) (any, bool) {
	if snap == nil {
		return nil, false
	}

	switch desc.Key {
	case keyBatteryPercentage:
		voltage, ok := snap.Float(onemeter.OBISBatteryVoltage)
		if !ok {
			return nil, false
		}
		return batteryPercentage(voltage), true
	case keyIRPower:
		irPower, _, ok := parseUARTParams(snap.Readings[onemeter.OBISUARTParams])
		if !ok {
			return nil, false
		}
		return irPower, true
	case keyBaudRate:
		_, baudRate, ok := parseUARTParams(snap.Readings[onemeter.OBISUARTParams])
		if !ok {
			return nil, false
		}
		return baudRate, true
	case keyThisMonth:
		if snap.Usage.ThisMonth == nil {
			return nil, false
		}
		return *snap.Usage.ThisMonth, true
	case keyPreviousMonth:
		if snap.Usage.PreviousMonth == nil {
			return nil, false
		}
		return *snap.Usage.PreviousMonth, true
	default:
		return snap.Value(desc.OBISCode)
	}
}

// batteryPercentage maps the reader's battery voltage to a percentage:
// 1.93 V is empty, 2.99 V is full.
func batteryPercentage(voltage float64) int {
	const minVoltage = 1.93
	const maxVoltage = 2.99

	bounded := max(minVoltage, min(voltage, maxVoltage))
	percentage := (bounded - minVoltage) / (maxVoltage - minVoltage) * 100
	return int(percentage + 0.5)
}

// parseUARTParams splits the combined UART parameter reading into IR
// power and baud rate. The API reports either a "3/300" style string or
// a [7, 9600] style list.
func parseUARTParams(value any) (irPower string, baudRate int, ok bool) {
	switch v := value.(type) {
	case string:
		parts := strings.SplitN(v, "/", 2)
		if len(parts) != 2 {
			return "", 0, false
		}
		baud, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return "", 0, false
		}
		return strings.TrimSpace(parts[0]), baud, true
	case []any:
		if len(v) < 2 {
			return "", 0, false
		}
		power, powerOK := v[0].(float64)
		baud, baudOK := v[1].(float64)
		if !powerOK || !baudOK {
			return "", 0, false
		}
		return strconv.Itoa(int(power)), int(baud), true
	default:
		return "", 0, false
	}
}
