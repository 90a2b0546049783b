package quorum

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Level is the kind of consistency requested for one operation.
type Level uint8

const (
	// LevelLocal completes on the coordinator's own replica.
	LevelLocal Level = iota
	// LevelAtLeast requires N replicas including the coordinator.
	LevelAtLeast
	// LevelMajority requires a majority of all members.
	LevelMajority
	// LevelAll requires every member.
	LevelAll
)

// String returns the config name of the level.
func (l Level) String() string {
	switch l {
	case LevelLocal:
		return "local"
	case LevelAtLeast:
		return "at-least"
	case LevelMajority:
		return "majority"
	case LevelAll:
		return "all"
	default:
		return "unknown"
	}
}

// Consistency is an immutable per-operation requirement.
type Consistency struct {
	Level      Level         // Level selects how Required is computed
	N          int           // N is the replica count for LevelAtLeast
	Additional int           // Additional raises a majority by this many acks
	Timeout    time.Duration // Timeout bounds the whole operation
}

// Local returns a requirement satisfied by the local replica alone.
func Local() Consistency {
	return Consistency{Level: LevelLocal}
}

// AtLeast returns a requirement for n replicas, the coordinator included.
func AtLeast(n int, timeout time.Duration) Consistency {
	return Consistency{Level: LevelAtLeast, N: n, Timeout: timeout}
}

// Majority returns a simple majority requirement.
func Majority(timeout time.Duration) Consistency {
	return Consistency{Level: LevelMajority, Timeout: timeout}
}

// MajorityPlus returns a majority requirement with additional extra acks.
func MajorityPlus(additional int, timeout time.Duration) Consistency {
	return Consistency{Level: LevelMajority, Additional: additional, Timeout: timeout}
}

// All returns a requirement on every member.
func All(timeout time.Duration) Consistency {
	return Consistency{Level: LevelAll, Timeout: timeout}
}

// String renders the requirement in the form accepted by ParseConsistency.
func (c Consistency) String() string {
	switch c.Level {
	case LevelAtLeast:
		return strconv.Itoa(c.N)
	case LevelMajority:
		if c.Additional > 0 {
			return fmt.Sprintf("majority+%d", c.Additional)
		}
		return "majority"
	default:
		return c.Level.String()
	}
}

// Validate checks the requirement's parameters.
func (c Consistency) Validate() error {
	switch c.Level {
	case LevelLocal:
		return nil
	case LevelAtLeast:
		if c.N < 1 {
			return fmt.Errorf("at-least consistency needs n >= 1, got %d", c.N)
		}
	case LevelMajority:
		if c.Additional < 0 {
			return fmt.Errorf("majority additional must be >= 0, got %d", c.Additional)
		}
	case LevelAll:
	default:
		return fmt.Errorf("unknown consistency level %d", c.Level)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("%s consistency needs a positive timeout", c)
	}

	return nil
}

// ParseConsistency parses "local", "majority", "majority+K", "all" or a
// positive replica count, attaching timeout to non-local levels.
func ParseConsistency(s string, timeout time.Duration) (Consistency, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	var c Consistency

	switch {
	case s == "local":
		return Local(), nil
	case s == "majority":
		c = Majority(timeout)
	case strings.HasPrefix(s, "majority+"):
		add, err := strconv.Atoi(strings.TrimPrefix(s, "majority+"))
		if err != nil {
			return Consistency{}, fmt.Errorf("parse majority additional %q:\n%w", s, err)
		}
		c = MajorityPlus(add, timeout)
	case s == "all":
		c = All(timeout)
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return Consistency{}, fmt.Errorf("unknown consistency %q", s)
		}
		c = AtLeast(n, timeout)
	}

	if err := c.Validate(); err != nil {
		return Consistency{}, err
	}

	return c, nil
}
