package session

import (
	"bytes"

	"github.com/zjs81/meshcore-open/internal/store"
)

// PathOverride is a user-pinned route for one contact. A negative
// length forces flood regardless of anything the device or the history
// says.
type PathOverride struct {
	Len  int
	Path []byte
}

// DevicePath is the device's last-discovered route for a contact. A
// negative length means the device is in flood mode for it.
type DevicePath struct {
	Len  int
	Path []byte
}

// AutoPath is the rotation engine's suggestion, computed from delivery
// history. Flood asks for route rediscovery; otherwise Path is a
// previously working route to fall back to.
type AutoPath struct {
	Flood bool
	Path  []byte
}

// PathSource records which rule produced a selection.
type PathSource uint8

const (
	SourceOverride PathSource = iota
	SourceFlood
	SourceAuto
	SourceDevice
)

func (s PathSource) String() string {
	switch s {
	case SourceOverride:
		return "override"
	case SourceFlood:
		return "flood"
	case SourceAuto:
		return "auto"
	default:
		return "device"
	}
}

// PathSelection is the resolved routing decision for one send.
type PathSelection struct {
	Flood  bool
	Len    int
	Path   []byte
	Source PathSource
}

// ResolvePath picks the route for a send. Pure over its three inputs,
// evaluated in priority order:
//
//  1. a user override (negative length forces flood, otherwise its
//     explicit route),
//  2. flood, when the device reports flood mode or the rotation engine
//     asks for rediscovery,
//  3. the rotation engine's fallback route,
//  4. the device's last-discovered route.
func ResolvePath(override *PathOverride, device DevicePath, auto *AutoPath) PathSelection {
	if override != nil {
		if override.Len < 0 {
			return PathSelection{Flood: true, Len: -1, Source: SourceOverride}
		}
		return PathSelection{
			Len:    override.Len,
			Path:   append([]byte(nil), override.Path...),
			Source: SourceOverride,
		}
	}
	if device.Len < 0 || (auto != nil && auto.Flood) {
		return PathSelection{Flood: true, Len: -1, Source: SourceFlood}
	}
	if auto != nil && len(auto.Path) > 0 {
		return PathSelection{
			Len:    len(auto.Path),
			Path:   append([]byte(nil), auto.Path...),
			Source: SourceAuto,
		}
	}
	return PathSelection{
		Len:    device.Len,
		Path:   append([]byte(nil), device.Path...),
		Source: SourceDevice,
	}
}

// autoRotationStreak is how many consecutive failures on the current
// route trigger a rotation.
const autoRotationStreak = 2

// AutoSelect derives a rotation suggestion from delivery history,
// newest record first. It stays out of the way (nil) until the latest
// route has failed autoRotationStreak times in a row; then it suggests
// the most recent previously working different route, or flood
// rediscovery when there is none.
func AutoSelect(recs []store.PathRecord) *AutoPath {
	streak := 0
	for _, r := range recs {
		if r.Success {
			break
		}
		streak++
	}
	if streak < autoRotationStreak {
		return nil
	}
	failing := recs[0].Path
	for _, r := range recs[streak:] {
		if r.Success && len(r.Path) > 0 && !bytes.Equal(r.Path, failing) {
			return &AutoPath{Path: append([]byte(nil), r.Path...)}
		}
	}
	return &AutoPath{Flood: true}
}

// resolvePathFor runs the full chain for one stored contact.
func (s *Session) resolvePathFor(c *store.Contact) PathSelection {
	var override *PathOverride
	if c.HasOverride {
		override = &PathOverride{Len: c.OverrideLen, Path: c.OverridePath}
	}
	var auto *AutoPath
	if recs, err := s.st.RecentPaths(c.PublicKey, 10); err != nil {
		s.log.Debug("path history read failed", "contact", c.PublicKey, "err", err)
	} else {
		auto = AutoSelect(recs)
	}
	return ResolvePath(override, DevicePath{Len: c.PathLen, Path: c.Path}, auto)
}

// recordPathResult feeds one delivery outcome back into the history
// that drives rotation.
func (s *Session) recordPathResult(contactKey string, sel PathSelection, success bool, tripMs int) {
	rec := store.PathRecord{
		ContactKey: contactKey,
		PathLen:    sel.Len,
		Path:       sel.Path,
		Success:    success,
		TripMs:     tripMs,
		RecordedAt: nowUnix(s.clock),
	}
	if err := s.st.RecordPath(rec); err != nil {
		s.log.Debug("path record failed", "contact", contactKey, "err", err)
	}
	s.archive("path_result", map[string]any{
		"contact": contactKey,
		"source":  sel.Source.String(),
		"len":     sel.Len,
		"success": success,
		"trip_ms": tripMs,
	})
}
