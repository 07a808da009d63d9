package ignore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBasicGlob(t *testing.T) {
	rs, err := Parse(strings.NewReader("*.log\n"))
	require.NoError(t, err)

	ignored, ok := rs.match("build.log", false)
	require.True(t, ok)
	require.True(t, ignored)

	_, ok = rs.match("build.txt", false)
	require.False(t, ok)
}

func TestParseCommentsAndBlankLines(t *testing.T) {
	rs, err := Parse(strings.NewReader("# a comment\n\n*.tmp\n"))
	require.NoError(t, err)
	require.Len(t, rs.rules, 1)
}

func TestNegationOverridesEarlierRule(t *testing.T) {
	rs := ParseLines([]string{"*.log", "!keep.log"})

	ignored, ok := rs.match("keep.log", false)
	require.True(t, ok)
	require.False(t, ignored, "a later negation rule must override the earlier match")
}

func TestDirOnlyRuleSkipsFiles(t *testing.T) {
	rs := ParseLines([]string{"build/"})

	_, ok := rs.match("build", false)
	require.False(t, ok, "a directory-only rule must not match a plain file")

	ignored, ok := rs.match("build", true)
	require.True(t, ok)
	require.True(t, ignored)
}

func TestAnchoredRuleOnlyMatchesFullPath(t *testing.T) {
	rs := ParseLines([]string{"/root.txt"})

	ignored, ok := rs.match("root.txt", false)
	require.True(t, ok)
	require.True(t, ignored)

	_, ok = rs.match("sub/root.txt", false)
	require.False(t, ok, "an anchored rule must not match the same basename nested deeper")
}

func TestUnanchoredRuleMatchesAnyDepth(t *testing.T) {
	rs := ParseLines([]string{"*.o"})

	ignored, ok := rs.match("sub/dir/thing.o", false)
	require.True(t, ok)
	require.True(t, ignored)
}

func TestStackDeeperLevelOverridesShallower(t *testing.T) {
	s := NewStack()
	s = s.Push(ParseLines([]string{"*.log"}))
	s = s.Push(ParseLines([]string{"!important.log"}))

	require.False(t, s.Match("important.log", false), "the deepest frame's negation must win")
	require.True(t, s.Match("other.log", false))
}

func TestStackPushDoesNotMutateParent(t *testing.T) {
	base := NewStack().Push(ParseLines([]string{"*.log"}))
	_ = base.Push(ParseLines([]string{"!keep.log"}))

	require.True(t, base.Match("keep.log", false), "pushing a child frame must not retroactively change the parent stack")
}

func TestStackWithNoMatchingRuleIsNotIgnored(t *testing.T) {
	s := NewStack().Push(ParseLines([]string{"*.log"}))
	require.False(t, s.Match("README.md", false))
}

func TestAlwaysMatcherIgnoresNothing(t *testing.T) {
	require.False(t, Always.Match("anything", true))
	require.False(t, Always.Match("anything", false))
}
