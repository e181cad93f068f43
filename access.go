package parley

import "fmt"

// AccessLevel is an ordered privilege tier. Every tool declares the level it
// requires and every process holds the level it was granted; the tool manager
// denies calls where the tool's requirement exceeds the process's grant.
type AccessLevel int

const (
	// AccessRead permits observation only.
	AccessRead AccessLevel = iota
	// AccessWrite permits state mutation. Default for forked children.
	AccessWrite
	// AccessAdmin permits process-control operations such as fork.
	AccessAdmin
)

// CompareTo returns a negative value when l is a lower tier than other,
// zero when equal, and a positive value when higher.
func (l AccessLevel) CompareTo(other AccessLevel) int {
	return int(l) - int(other)
}

func (l AccessLevel) String() string {
	switch l {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessAdmin:
		return "admin"
	default:
		return fmt.Sprintf("access(%d)", int(l))
	}
}

// ParseAccessLevel converts a config string into an AccessLevel.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch s {
	case "read":
		return AccessRead, nil
	case "write":
		return AccessWrite, nil
	case "admin":
		return AccessAdmin, nil
	default:
		return AccessRead, fmt.Errorf("unknown access level %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l AccessLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *AccessLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseAccessLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
