package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

var titles = map[domain.EventType]string{
	domain.EventPositionOpened:     "Position opened",
	domain.EventPositionClosed:     "Position closed",
	domain.EventCloseFailed:        "Close failed",
	domain.EventForcedRemoval:      "FORCED REMOVAL",
	domain.EventHeatRejected:       "Entry rejected: portfolio heat",
	domain.EventCooldownRejected:   "Entry rejected: cooldown",
	domain.EventEntryRejected:      "Entry rejected",
	domain.EventInvariantViolation: "INVARIANT VIOLATION",
	domain.EventStaleSweep:         "Stale position swept",
	domain.EventTrailingActivated:  "Trailing stop active",
}

// FormatEvent renders ev as a title and a plain-text body with one
// "key: value" line per field, sorted by key.
func FormatEvent(ev domain.Event) (string, string) {
	title, ok := titles[ev.Type]
	if !ok {
		title = string(ev.Type)
	}
	if ev.Instrument != "" {
		title += " " + ev.Instrument
	}

	var b strings.Builder
	b.WriteString(ev.Message)
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, formatValue(ev.Fields[k]))
	}
	if !ev.At.IsZero() {
		fmt.Fprintf(&b, "\nat: %s", ev.At.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return title, b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%.8g", x)
	case float32:
		return fmt.Sprintf("%.6g", x)
	default:
		return fmt.Sprint(x)
	}
}
