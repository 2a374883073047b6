package platform

import (
	"fmt"
	"strings"
)

// Style selects how a scie obtains its interpreter.
type Style int

const (
	// Lazy fetches the interpreter on first run and caches it.
	Lazy Style = iota + 1
	// Eager embeds the interpreter in the launcher.
	Eager
)

func (s Style) String() string {
	switch s {
	case Lazy:
		return "lazy"
	case Eager:
		return "eager"
	}
	panic(fmt.Sprintf("platform: unknown style %d", int(s)))
}

// ParseStyle maps "lazy" or "eager" to a Style.
func ParseStyle(token string) (Style, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "lazy":
		return Lazy, nil
	case "eager":
		return Eager, nil
	default:
		return 0, fmt.Errorf("unknown scie style %q (supported: lazy, eager)", token)
	}
}

func (s Style) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Style) UnmarshalText(text []byte) error {
	parsed, err := ParseStyle(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
