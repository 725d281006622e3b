package backend

import (
	"bufio"
	"strconv"
	"strings"
)

// lines splits output into non-empty, right-trimmed lines.
func lines(s string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var sizeUnits = map[string]float64{
	"b":   1,
	"kb":  1000,
	"kib": 1024,
	"k":   1024,
	"mb":  1000 * 1000,
	"mib": 1024 * 1024,
	"m":   1024 * 1024,
	"gb":  1000 * 1000 * 1000,
	"gib": 1024 * 1024 * 1024,
	"g":   1024 * 1024 * 1024,
}

// ParseSize converts a human size such as "245.10 MiB" or "1,2 GB" into bytes.
// A bare number is interpreted in defaultUnit. Unparseable input yields 0.
func ParseSize(value, defaultUnit string) int64 {
	fields := strings.Fields(strings.TrimSpace(value))
	if len(fields) == 0 {
		return 0
	}
	numStr := strings.ReplaceAll(fields[0], ",", ".")
	unit := defaultUnit
	if len(fields) > 1 {
		unit = fields[1]
	} else if i := strings.IndexFunc(numStr, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	}); i > 0 {
		unit = numStr[i:]
		numStr = numStr[:i]
	}

	n, err := strconv.ParseFloat(numStr, 64)
	if err != nil || n < 0 {
		return 0
	}
	mult, ok := sizeUnits[strings.ToLower(unit)]
	if !ok {
		return 0
	}
	return int64(n * mult)
}
