package policy

import (
	"fmt"
	"strconv"
	"strings"
)

type portRange struct {
	from, to int32
}

// parsePorts reads "22" or "8000-8080".
func parsePorts(s string) (portRange, error) {
	lo, hi, isRange := strings.Cut(strings.TrimSpace(s), "-")
	from, err := parsePort(lo)
	if err != nil {
		return portRange{}, err
	}
	to := from
	if isRange {
		if to, err = parsePort(hi); err != nil {
			return portRange{}, err
		}
	}
	if from > to {
		return portRange{}, fmt.Errorf("port range %q is reversed", s)
	}
	return portRange{from: from, to: to}, nil
}

func parsePort(s string) (int32, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return int32(n), nil
}
