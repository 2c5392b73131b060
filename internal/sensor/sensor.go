// Package sensor reads the ranging and environment sensors of the node.
package sensor

import "fmt"

// Sentinel is Value of invalid readings.
const Sentinel = -1

// Reading of one channel. Check Valid before using Value.
type Reading struct {
	Value float64
	Valid bool
}

func Invalid() Reading { return Reading{Value: Sentinel} }

// Format with two fractional digits, as published.
func (r Reading) Format() string { return fmt.Sprintf("%.2f", r.Value) }

func (r Reading) String() string {
	if !r.Valid {
		return "invalid"
	}
	return r.Format()
}

type Ranger interface {
	Distance() Reading
}

type EnvSensor interface {
	// Env returns temperature in Celsius and relative humidity in percent.
	// On error both readings are invalid.
	Env() (temperature, humidity Reading, err error)
}
