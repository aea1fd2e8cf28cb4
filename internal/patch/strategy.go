package patch

import (
	"fmt"
	"strings"
)

// Strategy selects how a raw response is turned into a replacement.
type Strategy string

const (
	// Auto picks Diff or Direct from the response shape.
	Auto       Strategy = ""
	Diff       Strategy = "diff"
	Direct     Strategy = "direct"
	Prefix     Strategy = "prefix"
	InlineMeta Strategy = "inline+meta"
)

// Strategies lists the accepted explicit strategy names.
var Strategies = []Strategy{Diff, Direct, Prefix, InlineMeta}

// ParseStrategy maps a user supplied name to a Strategy. "inline" is an alias of direct.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "diff":
		return Diff, nil
	case "direct", "inline":
		return Direct, nil
	case "prefix":
		return Prefix, nil
	case "inline+meta":
		return InlineMeta, nil
	default:
		return Auto, fmt.Errorf("unknown patch strategy %q", s)
	}
}

// Resolve returns s unless it is Auto, in which case the response decides.
func Resolve(s Strategy, response string) Strategy {
	if s != Auto {
		return s
	}
	head := strings.TrimLeft(response, " \t\r\n")
	for _, marker := range []string{"---", "diff ", "@@"} {
		if strings.HasPrefix(head, marker) {
			return Diff
		}
	}
	return Direct
}

func (s Strategy) String() string {
	if s == Auto {
		return "auto"
	}
	return string(s)
}
