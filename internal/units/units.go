// Package units provides shared constants and conversions for speed units.
package units

// Unit constants for speeds reported by radar hardware and exposed by the API.
const (
	MPS  = "mps"
	FPS  = "fps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// Conversion factors to miles per hour.
const (
	MPSToMPH = 2.23694
	FPSToMPH = 0.681818
	MPHToMPS = 1.0 / MPSToMPH
)

// ValidUnits contains all unit values accepted from radar frames.
var ValidUnits = []string{MPS, FPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units.
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// ToMPH converts a speed in the given unit to miles per hour. Unknown units
// are treated as mph so a misconfigured device degrades to identity rather
// than corrupting readings.
func ToMPH(speed float64, unit string) float64 {
	switch unit {
	case MPS:
		return speed * MPSToMPH
	case FPS:
		return speed * FPSToMPH
	case KMPH, KPH:
		return speed / 1.609344
	case MPH:
		return speed
	default:
		return speed
	}
}

// MPHTo converts a speed in miles per hour to the target unit.
func MPHTo(speedMPH float64, targetUnit string) float64 {
	switch targetUnit {
	case MPS:
		return speedMPH * MPHToMPS
	case KMPH, KPH:
		return speedMPH * 1.609344
	case MPH:
		return speedMPH
	default:
		return speedMPH
	}
}
