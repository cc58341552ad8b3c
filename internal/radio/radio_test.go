package radio

import (
	"testing"
	"time"
)

func TestAirtimeKnownParams(t *testing.T) {
	// SF7/250kHz/4-5: symbol 0.512ms, 20.25 preamble symbols, 43 payload
	// symbols for 20 bytes = ~32.4ms on air.
	p := Params{FreqHz: 869525000, BandwidthHz: 250000, SF: 7, CR: 5}
	got := Airtime(p, 20)
	if got < 32*time.Millisecond || got > 33*time.Millisecond {
		t.Errorf("Airtime = %v, want ~32.4ms", got)
	}
}

func TestAirtimeLowDataRateOptimization(t *testing.T) {
	// SF12/125kHz engages LDRO; ~3.55s for 50 bytes at 4/8.
	p := Params{FreqHz: 869525000, BandwidthHz: 125000, SF: 12, CR: 8}
	got := Airtime(p, 50)
	if got < 3500*time.Millisecond || got > 3600*time.Millisecond {
		t.Errorf("Airtime = %v, want ~3.55s", got)
	}
}

func TestAirtimeFallback(t *testing.T) {
	if got := Airtime(Params{}, 100); got != FallbackAirtime {
		t.Errorf("Airtime(unknown) = %v, want %v", got, FallbackAirtime)
	}
}

func TestAirtimeAcceptsFactorFormCR(t *testing.T) {
	denom := Params{BandwidthHz: 250000, SF: 9, CR: 7}
	factor := Params{BandwidthHz: 250000, SF: 9, CR: 3}
	if a, b := Airtime(denom, 30), Airtime(factor, 30); a != b {
		t.Errorf("CR 7 vs 3 airtime: %v != %v", a, b)
	}
}

func TestFloodTimeoutFallbackExact(t *testing.T) {
	// base 500ms + 16 x 50ms fallback airtime.
	if got := FloodTimeout(Params{}, 64); got != 1300*time.Millisecond {
		t.Errorf("FloodTimeout = %v, want 1.3s", got)
	}
}

func TestDirectTimeoutFallbackExact(t *testing.T) {
	// base 500ms + (6 x 50ms + 250ms) x (hops+1).
	tests := []struct {
		hops int
		want time.Duration
	}{
		{0, 1050 * time.Millisecond},
		{2, 2150 * time.Millisecond},
		{-1, 1050 * time.Millisecond}, // negative hop counts clamp to direct
	}
	for _, tt := range tests {
		if got := DirectTimeout(Params{}, 64, tt.hops); got != tt.want {
			t.Errorf("DirectTimeout(hops=%d) = %v, want %v", tt.hops, got, tt.want)
		}
	}
}

func TestTimeoutMonotonicInHops(t *testing.T) {
	p := Params{BandwidthHz: 250000, SF: 10, CR: 5}
	prev := time.Duration(0)
	for hops := 0; hops < 8; hops++ {
		got := DirectTimeout(p, 80, hops)
		if got < prev {
			t.Fatalf("DirectTimeout(hops=%d) = %v < previous %v", hops, got, prev)
		}
		prev = got
	}
}

func TestTimeoutMonotonicInPayload(t *testing.T) {
	p := Params{BandwidthHz: 125000, SF: 8, CR: 6}
	prev := time.Duration(0)
	for pl := 1; pl <= 184; pl += 12 {
		got := FloodTimeout(p, pl)
		if got < prev {
			t.Fatalf("FloodTimeout(len=%d) = %v < previous %v", pl, got, prev)
		}
		prev = got
	}
}

func TestBatteryPercent(t *testing.T) {
	tests := []struct {
		chem Chemistry
		mv   uint16
		want int
	}{
		{ChemLiFePO4, 2600, 0},
		{ChemLiFePO4, 3650, 100},
		{ChemLiFePO4, 3125, 50},
		{ChemLiFePO4, 2000, 0},
		{ChemLiFePO4, 5000, 100},
		{ChemLiPo, 3000, 0},
		{ChemLiPo, 4200, 100},
		{ChemLiPo, 3600, 50},
		{ChemLiPo, 2500, 0},
	}
	for _, tt := range tests {
		if got := BatteryPercent(tt.chem, tt.mv); got != tt.want {
			t.Errorf("BatteryPercent(%v, %d) = %d, want %d", tt.chem, tt.mv, got, tt.want)
		}
	}
}

func TestParseChemistry(t *testing.T) {
	tests := []struct {
		in      string
		want    Chemistry
		wantErr bool
	}{
		{"lifepo4", ChemLiFePO4, false},
		{"LFP", ChemLiFePO4, false},
		{"lipo", ChemLiPo, false},
		{"", ChemLiPo, false},
		{"plutonium", ChemLiPo, true},
	}
	for _, tt := range tests {
		got, err := ParseChemistry(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseChemistry(%q) = (%v, %v)", tt.in, got, err)
		}
	}
}
