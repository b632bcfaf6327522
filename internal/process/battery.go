package process

import (
	"github.com/sequoiayc/meshbuoy/internal/store"
)

// VoltageToPercent maps a battery voltage to a percentage along the linear
// 2.8 V -> 0%, 4.25 V -> 100% curve, clamped and integer-truncated (3.7 V
// maps to 62). Exported so the persistence layer can apply the same curve
// when reconciling a loaded record whose battery percent is missing but
// voltage was saved.
func VoltageToPercent(v float32) int32 {
	return voltageToPercent(v)
}

func voltageToPercent(v float32) int32 {
	pct := (float64(v) - 2.8) / (4.25 - 2.8) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return int32(pct)
}

// deriveBattery implements the battery-extraction rule: a
// power-sensor node's battery comes exclusively from its configured voltage
// channel; every other node uses device_metrics.battery_level, falling back
// to the voltage curve applied to device_metrics.voltage.
func deriveBattery(tel store.TelemetrySnapshot, hasPowerSensor bool, voltageChannel string) (percent *int32, voltage *float32) {
	if hasPowerSensor {
		v := tel.Ch3Voltage
		if voltageChannel == "ch1_voltage" {
			v = tel.Ch1Voltage
		}
		if v == nil {
			return nil, nil
		}
		pct := voltageToPercent(*v)
		return &pct, v
	}

	if tel.BatteryLevel != nil {
		// Firmware reports 101 for externally powered nodes.
		pct := int32(*tel.BatteryLevel)
		if pct > 100 {
			pct = 100
		}
		return &pct, tel.Voltage
	}
	if tel.Voltage != nil {
		pct := voltageToPercent(*tel.Voltage)
		return &pct, tel.Voltage
	}
	return nil, nil
}

// batteryAlertTriggered implements the two-shaped low-battery threshold:
// power-sensor nodes alert on raw voltage, every other node alerts on the
// clamped percentage.
func batteryAlertTriggered(hasPowerSensor bool, voltage *float32, percent *int32, lowBatteryThresholdPct int) bool {
	if hasPowerSensor {
		return voltage != nil && *voltage < 3.5
	}
	return percent != nil && int(*percent) < lowBatteryThresholdPct
}
