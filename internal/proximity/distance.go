package proximity

import (
	"math"

	"github.com/chaz8081/beacon-radar/internal/beacon"
)

// EstimateDistance applies the log-distance path-loss model with a path-loss
// exponent of 2: 10^((txPower - rssi) / 20) meters. An RSSI of exactly zero
// means no reading and yields beacon.UnknownDistance.
func EstimateDistance(rssi, txPower int) float64 {
	if rssi == 0 {
		return beacon.UnknownDistance
	}
	return math.Pow(10, float64(txPower-rssi)/20)
}

// resolveDistance returns o with a computed distance when the supplied one
// is negative.
func resolveDistance(o beacon.Observation) beacon.Observation {
	if o.Distance < 0 {
		o.Distance = EstimateDistance(o.RSSI, o.TxPower)
	}
	return o
}
