package filter

import (
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var listing = []string{"autoinst-log.txt", "y2logs.tar.gz", "serial0.txt"}

func TestApply_GlobKeepsOrder(t *testing.T) {
	m, err := Parse("*.txt")
	require.NoError(t, err)

	assert.Equal(t, []string{"autoinst-log.txt", "serial0.txt"}, Apply(listing, m))
}

func TestApply_NilMatcherIsIdentity(t *testing.T) {
	m, err := Parse("")
	require.NoError(t, err)
	assert.Nil(t, m)

	assert.Equal(t, listing, Apply(listing, m))
}

func TestGlob_MatchesWholeName(t *testing.T) {
	m, err := Glob("serial")
	require.NoError(t, err)
	assert.False(t, m.Match("serial0.txt"))

	m, err = Glob("serial?.txt")
	require.NoError(t, err)
	assert.True(t, m.Match("serial0.txt"))

	m, err = Glob("{autoinst,serial}*")
	require.NoError(t, err)
	assert.Equal(t, []string{"autoinst-log.txt", "serial0.txt"}, Apply(listing, m))
}

func TestRegexp_AnchoredToFullName(t *testing.T) {
	m, err := Parse("re:serial")
	require.NoError(t, err)
	assert.Empty(t, Apply(listing, m))

	m, err = Parse(`re:.*\.txt`)
	require.NoError(t, err)
	assert.Equal(t, []string{"autoinst-log.txt", "serial0.txt"}, Apply(listing, m))
	assert.Equal(t, `re:.*\.txt`, m.String())

	// Alternation must not escape the anchors.
	m, err = Parse("re:y2logs|serial0")
	require.NoError(t, err)
	assert.False(t, m.Match("y2logs.tar.gz"))
	assert.True(t, m.Match("serial0"))
}

func TestParse_InvalidPatterns(t *testing.T) {
	for _, pattern := range []string{"re:(", "re:[a-", "re:a{2,1}"} {
		t.Run(pattern, func(t *testing.T) {
			m, err := Parse(pattern)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.True(t, errors.Is(err, ErrInvalidPattern))
			assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
		})
	}
}

func TestApply_EmptyResultIsNotNil(t *testing.T) {
	m, err := Glob("*.log")
	require.NoError(t, err)

	got := Apply(listing, m)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
