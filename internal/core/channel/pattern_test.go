package channel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zcm/internal/core/zcm"
)

func TestParseExact(t *testing.T) {
	p, err := Parse("EXAMPLE")
	require.NoError(t, err)
	assert.Equal(t, Exact, p.Kind())
	assert.Equal(t, "EXAMPLE", p.Root())

	assert.True(t, p.Match("EXAMPLE"))
	assert.False(t, p.Match("EXAMPLE2"))
	assert.False(t, p.Match("EXAMPL"))
}

func TestParsePrefix(t *testing.T) {
	p, err := Parse("EX.*")
	require.NoError(t, err)
	assert.Equal(t, PrefixWildcard, p.Kind())
	assert.Equal(t, "EX", p.Prefix())
	assert.Equal(t, "EX.*", p.Root())

	for _, ch := range []string{"EXAMPLE", "EX", "EXTRA"} {
		assert.True(t, p.Match(ch), ch)
	}
	assert.False(t, p.Match("OTHER"))
	assert.False(t, p.Match("E"))
}

func TestParseMatchAll(t *testing.T) {
	p, err := Parse(".*")
	require.NoError(t, err)
	assert.True(t, p.Match("ANYTHING"))
	assert.True(t, p.Match("x"))
}

func TestParseRejects(t *testing.T) {
	_, err := Parse("")
	require.ErrorIs(t, err, zcm.ErrInvalidArgument)

	_, err = Parse(strings.Repeat("a", zcm.ChannelMaxLen+1))
	require.ErrorIs(t, err, zcm.ErrInvalidArgument)

	for _, bad := range []string{"BAD(", "A|B", "A.B", "A+", "EX*", "E-X.*", "EX.*.*", "[A].*", "A.?"} {
		_, err := Parse(bad)
		require.ErrorIs(t, err, zcm.ErrUnsupportedPattern, bad)
	}
}

func TestInterestSetRefcount(t *testing.T) {
	s := NewInterestSet()
	assert.True(t, s.Acquire("A"))
	assert.False(t, s.Acquire("A"))
	assert.True(t, s.Acquire("A.*"))
	assert.Equal(t, []string{"A", "A.*"}, s.Roots())

	assert.False(t, s.Release("A"))
	assert.True(t, s.Release("A"))
	assert.False(t, s.Release("A"))
	assert.Equal(t, 1, s.Len())
}

func TestMatcher(t *testing.T) {
	m := NewMatcher()
	assert.True(t, m.Empty())
	assert.False(t, m.Match("A"))

	m.Set("POSE", true)
	m.Set("CAM_.*", true)
	m.Set("CAM_.*", true)
	m.Set("bad(", true)

	assert.True(t, m.Match("POSE"))
	assert.True(t, m.Match("CAM_LEFT"))
	assert.False(t, m.Match("POSE2"))

	m.Set("CAM_.*", false)
	assert.True(t, m.Match("CAM_LEFT"))
	m.Set("CAM_.*", false)
	assert.False(t, m.Match("CAM_LEFT"))

	m.Set("POSE", false)
	assert.True(t, m.Empty())
}
