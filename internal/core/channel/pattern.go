// Package channel implements the subscription pattern language and the
// reference-counted set of channel interests pushed down to transports.
//
// Only two pattern forms exist: an exact channel name, and PREFIX.* where
// PREFIX is a (possibly empty) run of letters, digits and underscores.
// Media with limited resources implement literal and prefix matching at the
// source, so the language must not grow beyond what they can express.
package channel

import (
	"fmt"
	"strings"

	"zcm/internal/core/zcm"
)

// Kind distinguishes the two pattern forms.
type Kind uint8

const (
	Exact Kind = iota
	PrefixWildcard
)

func (k Kind) String() string {
	if k == PrefixWildcard {
		return "prefix"
	}
	return "exact"
}

const wildcardSuffix = ".*"

// Pattern is a parsed subscription pattern.
type Pattern struct {
	text   string
	kind   Kind
	prefix string
}

// Parse validates text and returns the pattern it denotes.
func Parse(text string) (Pattern, error) {
	if text == "" {
		return Pattern{}, fmt.Errorf("%w: empty pattern", zcm.ErrInvalidArgument)
	}
	if !hasMeta(text) {
		if err := zcm.ValidateChannel(text); err != nil {
			return Pattern{}, err
		}
		return Pattern{text: text, kind: Exact, prefix: text}, nil
	}
	prefix, ok := strings.CutSuffix(text, wildcardSuffix)
	if !ok || !isWord(prefix) {
		return Pattern{}, fmt.Errorf("%w: %q", zcm.ErrUnsupportedPattern, text)
	}
	if len(prefix) > zcm.ChannelMaxLen {
		return Pattern{}, fmt.Errorf("%w: prefix of %q longer than %d bytes", zcm.ErrInvalidArgument, text, zcm.ChannelMaxLen)
	}
	return Pattern{text: text, kind: PrefixWildcard, prefix: prefix}, nil
}

// MustParse is Parse for patterns known at compile time.
func MustParse(text string) Pattern {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) Kind() Kind { return p.kind }

// Prefix is the literal part of the pattern: the whole name for Exact.
func (p Pattern) Prefix() string { return p.prefix }

// Root is the interest key handed to transports: the channel name for
// Exact patterns and PREFIX.* for wildcards.
func (p Pattern) Root() string { return p.text }

func (p Pattern) String() string { return p.text }

// Match reports whether channel is selected by the pattern.
func (p Pattern) Match(channel string) bool {
	if p.kind == Exact {
		return channel == p.text
	}
	return strings.HasPrefix(channel, p.prefix)
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, `()|.*+?[]{}^$\`)
}

func isWord(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}
