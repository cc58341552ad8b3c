package radio

import (
	"fmt"
	"strings"
)

// Chemistry selects a battery discharge curve.
type Chemistry uint8

const (
	ChemLiPo Chemistry = iota // also NMC
	ChemLiFePO4
)

func (c Chemistry) String() string {
	if c == ChemLiFePO4 {
		return "lifepo4"
	}
	return "lipo"
}

// ParseChemistry reads a config value.
func ParseChemistry(s string) (Chemistry, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lipo", "nmc", "li-ion", "liion":
		return ChemLiPo, nil
	case "lifepo4", "lfp":
		return ChemLiFePO4, nil
	}
	return ChemLiPo, fmt.Errorf("unknown battery chemistry %q", s)
}

func (c Chemistry) bounds() (minMV, maxMV int) {
	if c == ChemLiFePO4 {
		return 2600, 3650
	}
	return 3000, 4200
}

// BatteryPercent maps a millivolt reading to 0..100 along the chemistry's
// linear curve.
func BatteryPercent(c Chemistry, mv uint16) int {
	minMV, maxMV := c.bounds()
	pct := (int(mv) - minMV) * 100 / (maxMV - minMV)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
