package evalctx

import (
	"fmt"
	"strconv"
	"time"
)

var durationUnits = map[byte]time.Duration{
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseDurationSpec parses the short duration form used in templates and
// policies: a count followed by m, h, d or w ("30m", "4h", "2d", "1w").
func ParseDurationSpec(spec string) (time.Duration, error) {
	if len(spec) < 2 {
		return 0, fmt.Errorf("invalid duration %q", spec)
	}
	unit, ok := durationUnits[spec[len(spec)-1]]
	if !ok {
		return 0, fmt.Errorf("invalid duration %q: unknown unit %q", spec, spec[len(spec)-1:])
	}
	n, err := strconv.Atoi(spec[:len(spec)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q: bad count", spec)
	}
	return time.Duration(n) * unit, nil
}
