package domain

import (
	"fmt"
	"strings"
)

// Station is a logical kitchen endpoint. The set is closed: every switch
// over Station lists all four values.
type Station string

const (
	StationKitchen Station = "kitchen"
	StationBarista Station = "barista"
	StationDisplay Station = "display"
	// StationAll is the front-of-house waiter view that receives every
	// station's orders.
	StationAll Station = "all"
)

// DispatchStations lists the stations an order can be dispatched to.
func DispatchStations() []Station {
	return []Station{StationKitchen, StationBarista, StationDisplay}
}

// stationCodes is the routing table from logical station to the item-level
// codes products are tagged with.
var stationCodes = map[Station][]string{
	StationKitchen: {"kitchen", "hot_kitchen", "pastry"},
	StationBarista: {"barista", "bar", "coffee"},
	StationDisplay: {"display", "counter"},
}

// CodeNone marks items that are handed over at the counter and never reach
// a kitchen display.
const CodeNone = "none"

func ParseStation(s string) (Station, error) {
	switch st := Station(strings.ToLower(strings.TrimSpace(s))); st {
	case StationKitchen, StationBarista, StationDisplay, StationAll:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStation, s)
	}
}

func (s Station) String() string { return string(s) }

func (s Station) IsAll() bool { return s == StationAll }

// Codes returns the item codes routed to s. For StationAll it returns every
// routed code.
func (s Station) Codes() []string {
	switch s {
	case StationKitchen, StationBarista, StationDisplay:
		return append([]string(nil), stationCodes[s]...)
	case StationAll:
		var out []string
		for _, st := range DispatchStations() {
			out = append(out, stationCodes[st]...)
		}
		return out
	default:
		return nil
	}
}

// ResolveCode maps an item's dispatch code to the station that prepares it.
// Codes that are empty, "none" or unknown resolve to no station.
func ResolveCode(code string) (Station, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" || code == CodeNone {
		return "", false
	}
	for _, st := range DispatchStations() {
		for _, c := range stationCodes[st] {
			if c == code {
				return st, true
			}
		}
	}
	return "", false
}

// Handles reports whether an item routed with code belongs on s's display.
func (s Station) Handles(code string) bool {
	target, ok := ResolveCode(code)
	if !ok {
		return false
	}
	switch s {
	case StationAll:
		return true
	case StationKitchen, StationBarista, StationDisplay:
		return target == s
	default:
		return false
	}
}

// Accepts reports whether a dispatch addressed to target is for s.
func (s Station) Accepts(target Station) bool {
	switch s {
	case StationAll:
		return true
	case StationKitchen, StationBarista, StationDisplay:
		return s == target
	default:
		return false
	}
}
