package wire

import (
	"fmt"
	"math"
	"unicode/utf8"
)

// Column limits of the central store, in characters.
const (
	MaxNodeIDLen          = 32
	MaxLongNameLen        = 255
	MaxShortNameLen       = 32
	MaxHWModelLen         = 64
	MaxFirmwareVersionLen = 64
	MaxMacAddrLen         = 32
	MaxLocationSourceLen  = 64
	MaxPortNumLen         = 64
	MaxHostLen            = 255
	MaxCollectorIDLen     = 128
)

// ValidLatitude reports whether v is a finite latitude in degrees.
func ValidLatitude(v float64) bool {
	return !math.IsNaN(v) && v >= -90 && v <= 90
}

// ValidLongitude reports whether v is a finite longitude in degrees.
func ValidLongitude(v float64) bool {
	return !math.IsNaN(v) && v >= -180 && v <= 180
}

// Clamp returns s cut to at most n characters. A nil s stays nil.
func Clamp(s *string, n int) *string {
	if s == nil || utf8.RuneCountInString(*s) <= n {
		return s
	}
	r := []rune(*s)
	c := string(r[:n])
	return &c
}

func clampField(s **string, n int, field string, fixes *[]string) {
	if c := Clamp(*s, n); c != *s {
		*fixes = append(*fixes, fmt.Sprintf("%s truncated to %d characters", field, n))
		*s = c
	}
}

func coordField(v **float64, valid func(float64) bool, field string, fixes *[]string) {
	if *v != nil && !valid(**v) {
		*fixes = append(*fixes, fmt.Sprintf("%s %v out of range, dropped", field, **v))
		*v = nil
	}
}

// Normalize brings optional fields within the central store's limits:
// out-of-range coordinates become null and overlong descriptive strings are
// truncated. Identity fields are left alone for Validate to judge. It
// returns one description per change.
func (b *Batch) Normalize() []string {
	var fixes []string
	d := &b.Data
	for i := range d.Nodes {
		n := &d.Nodes[i]
		p := fmt.Sprintf("data.nodes[%d].", i)
		clampField(&n.LongName, MaxLongNameLen, p+"long_name", &fixes)
		clampField(&n.ShortName, MaxShortNameLen, p+"short_name", &fixes)
		clampField(&n.HWModel, MaxHWModelLen, p+"hw_model", &fixes)
		clampField(&n.FirmwareVersion, MaxFirmwareVersionLen, p+"firmware_version", &fixes)
		clampField(&n.MacAddr, MaxMacAddrLen, p+"mac_addr", &fixes)
	}
	for i := range d.Positions {
		pos := &d.Positions[i]
		p := fmt.Sprintf("data.positions[%d].", i)
		coordField(&pos.Latitude, ValidLatitude, p+"latitude", &fixes)
		coordField(&pos.Longitude, ValidLongitude, p+"longitude", &fixes)
		clampField(&pos.LocationSource, MaxLocationSourceLen, p+"location_source", &fixes)
	}
	for i := range d.Messages {
		clampField(&d.Messages[i].PortNum, MaxPortNumLen, fmt.Sprintf("data.messages[%d].port_num", i), &fixes)
	}
	return fixes
}
