// Package radio models LoRa on-air time and the delivery timeouts derived
// from it, plus battery voltage-to-percent curves. Pure computation; the
// session feeds it the device's reported parameters.
package radio

import (
	"math"
	"time"
)

// Params are the radio settings the device reports in its self info.
type Params struct {
	FreqHz      uint32
	BandwidthHz uint32
	SF          uint8
	CR          uint8 // denominator form, 5..8
}

// Known reports whether the parameters are usable for airtime math.
func (p Params) Known() bool {
	return p.BandwidthHz > 0 && p.SF >= 5 && p.SF <= 12
}

// crDenominator normalizes the coding rate: devices report either the
// 5..8 denominator or the bare 1..4 factor.
func (p Params) crDenominator() float64 {
	cr := p.CR
	if cr >= 1 && cr <= 4 {
		cr += 4
	}
	if cr < 5 || cr > 8 {
		cr = 5
	}
	return float64(cr)
}

const (
	preambleSymbols = 16

	// BaseDelay pads every timeout estimate.
	BaseDelay = 500 * time.Millisecond

	floodAirtimeFactor  = 16
	directAirtimeFactor = 6
	directHopPad        = 250 * time.Millisecond

	// FallbackAirtime stands in when radio parameters are unknown.
	FallbackAirtime = 50 * time.Millisecond
)

// Airtime computes the on-air duration of a payload under the standard
// chirp-spread-spectrum formula: explicit header, CRC on, low-data-rate
// optimization above SF10. Unknown parameters fall back to a fixed
// estimate.
func Airtime(p Params, payloadLen int) time.Duration {
	if !p.Known() {
		return FallbackAirtime
	}
	sf := float64(p.SF)
	symbolMS := math.Pow(2, sf) / float64(p.BandwidthHz) * 1000
	preambleMS := (preambleSymbols + 4.25) * symbolMS

	ldro := 0.0
	if p.SF >= 11 {
		ldro = 1
	}
	numerator := 8*float64(payloadLen) - 4*sf + 28 + 16
	denominator := 4 * (sf - 2*ldro)
	payloadSymbols := 8 + math.Max(math.Ceil(numerator/denominator)*p.crDenominator(), 0)

	ms := preambleMS + payloadSymbols*symbolMS
	return time.Duration(ms * float64(time.Millisecond))
}

// FloodTimeout estimates delivery for a flooded send.
func FloodTimeout(p Params, payloadLen int) time.Duration {
	return BaseDelay + floodAirtimeFactor*Airtime(p, payloadLen)
}

// DirectTimeout estimates delivery along a known path of hops
// intermediate repeaters.
func DirectTimeout(p Params, payloadLen, hops int) time.Duration {
	if hops < 0 {
		hops = 0
	}
	perHop := directAirtimeFactor*Airtime(p, payloadLen) + directHopPad
	return BaseDelay + perHop*time.Duration(hops+1)
}
