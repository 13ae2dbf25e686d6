package strategy

import (
	"fmt"
	"strings"
	"time"
)

// KillZone is a UTC time-of-day window during which entries are permitted.
type KillZone struct {
	StartMinute int // minutes after midnight UTC
	EndMinute   int
}

// KillZones gates entries on configured sessions. An empty set permits
// entries at all times.
type KillZones struct {
	zones []KillZone
}

// ParseKillZones parses windows of the form "HH:MM-HH:MM" (UTC). Windows
// may wrap midnight ("22:00-02:00").
func ParseKillZones(specs []string) (*KillZones, error) {
	kz := &KillZones{}
	for _, s := range specs {
		parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad kill zone %q: want HH:MM-HH:MM", s)
		}
		start, err := parseMinute(parts[0])
		if err != nil {
			return nil, fmt.Errorf("bad kill zone %q: %w", s, err)
		}
		end, err := parseMinute(parts[1])
		if err != nil {
			return nil, fmt.Errorf("bad kill zone %q: %w", s, err)
		}
		kz.zones = append(kz.zones, KillZone{StartMinute: start, EndMinute: end})
	}
	return kz, nil
}

func parseMinute(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range time %q", s)
	}
	return h*60 + m, nil
}

// Contains reports whether t (converted to UTC) falls inside any window.
// With no windows configured it always returns true.
func (kz *KillZones) Contains(t time.Time) bool {
	if kz == nil || len(kz.zones) == 0 {
		return true
	}
	u := t.UTC()
	minute := u.Hour()*60 + u.Minute()
	for _, z := range kz.zones {
		if z.StartMinute <= z.EndMinute {
			if minute >= z.StartMinute && minute < z.EndMinute {
				return true
			}
		} else { // wraps midnight
			if minute >= z.StartMinute || minute < z.EndMinute {
				return true
			}
		}
	}
	return false
}

// Empty reports whether no windows are configured.
func (kz *KillZones) Empty() bool { return kz == nil || len(kz.zones) == 0 }
