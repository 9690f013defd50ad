package topology

import (
	"fmt"
	"regexp"
	"strings"
)

// Network selects the topology namespace. It is fixed for the lifetime of a
// process.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Devnet  Network = "devnet"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ParseNetwork accepts the predefined networks and any custom lowercase name
// such as "localnet".
func ParseNetwork(s string) (Network, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	if !namePattern.MatchString(n) {
		return "", fmt.Errorf("invalid network %q: want lowercase letters, digits and dashes", s)
	}
	return Network(n), nil
}

// Mode is a startup mode. ModeAll replays history once before following the
// live stream; ModeNormal follows the live stream only.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeNormal Mode = "normal"
)

// ParseMode parses a single startup mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAll:
		return ModeAll, nil
	case ModeNormal:
		return ModeNormal, nil
	default:
		return "", fmt.Errorf("invalid startup mode %q: want all or normal", s)
	}
}

// ParseModes parses one or more modes. Each value may itself be a comma
// separated list, so both ["all", "normal"] and ["all,normal"] work.
// Duplicates are dropped; the result keeps first-seen order.
func ParseModes(values []string) ([]Mode, error) {
	var out []Mode
	seen := make(map[Mode]struct{}, 2)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			m, err := ParseMode(part)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one startup mode is required")
	}
	return out, nil
}
