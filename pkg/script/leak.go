package script

import "strings"

// DefaultMetaMarkers are substrings that show up when a model leaks prompt
// scaffolding into what it wants spoken.
var DefaultMetaMarkers = []string{
	"option a",
	"option b",
	"say:",
	"meta:",
	"placeholder",
	"greeting +",
	"internal note",
}

// LeakDetector flags candidate lines that look like scaffolding rather than
// dialogue. It is a denylist heuristic and will miss novel leaks.
type LeakDetector struct {
	markers []string
}

func NewLeakDetector(markers ...string) *LeakDetector {
	d := &LeakDetector{}
	d.Add(markers...)
	return d
}

func DefaultLeakDetector() *LeakDetector {
	return NewLeakDetector(DefaultMetaMarkers...)
}

// Add appends markers, skipping blanks and duplicates.
func (d *LeakDetector) Add(markers ...string) {
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" || d.has(m) {
			continue
		}
		d.markers = append(d.markers, m)
	}
}

func (d *LeakDetector) has(marker string) bool {
	for _, m := range d.markers {
		if m == marker {
			return true
		}
	}
	return false
}

func (d *LeakDetector) Markers() []string {
	return append([]string(nil), d.markers...)
}

// LooksMeta reports whether say contains any configured marker.
func (d *LeakDetector) LooksMeta(say string) bool {
	if d == nil {
		return false
	}
	lower := strings.ToLower(say)
	for _, m := range d.markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
