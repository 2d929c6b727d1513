// Package risk converts the context of a (user, CVE) match into a bounded
// integer risk score.
package risk

import "math"

const (
	// KEVMultiplier applies to CVEs that are exploited or listed in KEV.
	KEVMultiplier = 2.0

	endpointStep        = 0.1
	maxEndpointFactor   = 2.0
	internetExposureMul = 1.3
	criticalSystemMul   = 1.2
	maxScore            = 100
)

// Factors is the input tuple of Score. It is persisted verbatim alongside
// each correlation.
type Factors struct {
	CVSSScore           float64 `json:"cvssScore"`
	ExploitedMultiplier float64 `json:"exploitedMultiplier"`
	EndpointCount       int     `json:"endpointCount"`
	InternetExposure    bool    `json:"internetExposure"`
	CriticalSystem      bool    `json:"criticalSystem"`
}

// ExploitedMultiplier returns the multiplier callers put into Factors.
func ExploitedMultiplier(exploited bool) float64 {
	if exploited {
		return KEVMultiplier
	}
	return 1.0
}

// Score computes the risk score in [0,100]. Multipliers are applied in a
// fixed order and rounding happens once, before the cap.
func Score(f Factors) int {
	base := (f.CVSSScore / 10) * 100
	base *= f.ExploitedMultiplier

	endpointFactor := math.Min(1+float64(f.EndpointCount-1)*endpointStep, maxEndpointFactor)
	base *= endpointFactor

	if f.InternetExposure {
		base *= internetExposureMul
	}
	if f.CriticalSystem {
		base *= criticalSystemMul
	}

	result := math.Min(math.Round(base), maxScore)
	if result < 0 || math.IsNaN(result) {
		return 0
	}
	return int(result)
}
