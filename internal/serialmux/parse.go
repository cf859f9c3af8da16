package serialmux

import (
	"regexp"
	"strconv"
)

// recordPattern matches the sensor output anywhere in a line, so timestamped
// console captures such as "22:42:39.695 -> GX:-1351 GY:1068" also parse.
var recordPattern = regexp.MustCompile(`GX:\s*(-?\d+)\s+GY:\s*(-?\d+)`)

// ParseRecord extracts the two axis readings from a sensor line. Values that
// do not fit in an int32 are rejected.
func ParseRecord(line string) (gx, gy int32, ok bool) {
	m := recordPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	x, err := strconv.ParseInt(m[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	y, err := strconv.ParseInt(m[2], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return int32(x), int32(y), true
}
