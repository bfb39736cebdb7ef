package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// Band is the coarse category of a plugin priority. Lower bands load first.
type Band uint8

const (
	// BandKernel is reserved for the runtime itself.
	BandKernel Band = iota
	BandCoreCritical
	BandCore
	BandThirdPartyHigh
	BandThirdParty
	BandThirdPartyLow
)

type bandInfo struct {
	name string
	min  uint8
	max  uint8
}

var bands = [...]bandInfo{
	BandKernel:         {name: "kernel", min: 0, max: 10},
	BandCoreCritical:   {name: "core_critical", min: 11, max: 50},
	BandCore:           {name: "core", min: 51, max: 100},
	BandThirdPartyHigh: {name: "third_party_high", min: 101, max: 150},
	BandThirdParty:     {name: "third_party", min: 151, max: 200},
	BandThirdPartyLow:  {name: "third_party_low", min: 201, max: 255},
}

var bandAliases = map[string]Band{
	"kernel":           BandKernel,
	"core_critical":    BandCoreCritical,
	"corecritical":     BandCoreCritical,
	"core":             BandCore,
	"third_party_high": BandThirdPartyHigh,
	"thirdpartyhigh":   BandThirdPartyHigh,
	"third_party":      BandThirdParty,
	"thirdparty":       BandThirdParty,
	"third_party_low":  BandThirdPartyLow,
	"thirdpartylow":    BandThirdPartyLow,
}

func (b Band) String() string {
	if int(b) < len(bands) {
		return bands[b].name
	}
	return fmt.Sprintf("band(%d)", uint8(b))
}

// Priority orders plugins that have no dependency relationship. The order is
// band first, then value.
type Priority struct {
	Band  Band
	Value uint8
}

// DefaultPriority is assigned to plugins that declare none.
func DefaultPriority() Priority {
	return Priority{Band: BandThirdParty, Value: 175}
}

// DefaultCorePriority is assigned to core plugins that declare none.
func DefaultCorePriority() Priority {
	return Priority{Band: BandCore, Value: 75}
}

// NewPriority builds a priority and checks that value lies within the band.
func NewPriority(band Band, value uint8) (Priority, error) {
	if int(band) >= len(bands) {
		return Priority{}, fmt.Errorf("unknown priority band %d", uint8(band))
	}
	info := bands[band]
	if value < info.min || value > info.max {
		return Priority{}, fmt.Errorf("priority %d out of range for band '%s' (%d-%d)", value, info.name, info.min, info.max)
	}
	return Priority{Band: band, Value: value}, nil
}

// ParsePriority parses strings such as "core:80" or "third_party_low:230".
func ParsePriority(s string) (Priority, error) {
	trimmed := strings.TrimSpace(s)
	name, rawValue, ok := strings.Cut(trimmed, ":")
	if !ok {
		return Priority{}, fmt.Errorf("invalid priority '%s' (expected format: band:value)", s)
	}

	band, known := bandAliases[strings.ToLower(strings.TrimSpace(name))]
	if !known {
		return Priority{}, fmt.Errorf("unknown priority band '%s'", name)
	}

	value, err := strconv.ParseUint(strings.TrimSpace(rawValue), 10, 8)
	if err != nil {
		return Priority{}, fmt.Errorf("invalid priority value '%s': %w", rawValue, err)
	}

	return NewPriority(band, uint8(value))
}

// Less reports whether p sorts before other.
func (p Priority) Less(other Priority) bool {
	if p.Band != other.Band {
		return p.Band < other.Band
	}
	return p.Value < other.Value
}

// Compare returns -1, 0 or 1.
func (p Priority) Compare(other Priority) int {
	switch {
	case p.Less(other):
		return -1
	case other.Less(p):
		return 1
	}
	return 0
}

func (p Priority) String() string {
	return fmt.Sprintf("%s:%d", p.Band, p.Value)
}

// MarshalText renders the band:value form.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses the band:value form.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
