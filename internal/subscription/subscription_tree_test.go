package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

func filters[T any](matches []Match[T]) []string {
	result := make([]string, 0, len(matches))
	for _, m := range matches {
		result = append(result, m.Filter)
	}
	return result
}

func TestMatchTopic(t *testing.T) {
	tree := NewTree[int](0, 0)
	for i, filter := range []string{
		"sport/tennis/player1",
		"sport/tennis/+",
		"sport/#",
		"#",
		"+/+/player1",
		"sport/+",
		"/events",
		"+/events",
		"$SYS/#",
	} {
		_, err := tree.Insert(filter, i)
		require.NoError(t, err)
	}

	tests := []struct {
		topic  string
		expect []string
	}{
		{"sport/tennis/player1", []string{"sport/tennis/player1", "#", "+/+/player1", "sport/#", "sport/tennis/+"}},
		{"sport", []string{"#", "sport/#"}},
		{"sport/", []string{"#", "sport/#", "sport/+"}},
		{"/events", []string{"/events", "#", "+/events"}},
		{"news/today", []string{"#"}},
		{"$SYS/broker/uptime", []string{"$SYS/#"}},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.expect, filters(tree.MatchTopic(tt.topic)))
		})
	}
}

func TestExactMatchFirst(t *testing.T) {
	tree := NewTree[string](0, 0)
	_, _ = tree.Insert("a/+", "wildcard")
	_, _ = tree.Insert("a/b", "exact")

	matches := tree.MatchTopic("a/b")
	require.Len(t, matches, 2)
	assert.True(t, matches[0].Exact)
	assert.Equal(t, "exact", matches[0].Value)
	assert.False(t, matches[1].Exact)
	assert.Equal(t, "wildcard", matches[1].Value)
}

func TestInsertOverwrites(t *testing.T) {
	tree := NewTree[string](0, 0)
	replaced, err := tree.Insert("a/#", "first")
	require.NoError(t, err)
	assert.False(t, replaced)

	replaced, err = tree.Insert("a/#", "second")
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, 1, tree.Len())

	value, ok := tree.Get("a/#")
	assert.True(t, ok)
	assert.Equal(t, "second", value)
}

func TestRemovePrunes(t *testing.T) {
	tree := NewTree[int](0, 0)
	_, _ = tree.Insert("a/b/c", 1)
	_, _ = tree.Insert("a/+/c", 2)
	_, _ = tree.Insert("a/#", 3)

	assert.True(t, tree.Remove("a/b/c"))
	assert.False(t, tree.Remove("a/b/c"))
	assert.True(t, tree.Remove("a/+/c"))
	assert.True(t, tree.Remove("a/#"))
	assert.Equal(t, 0, tree.Len())
	assert.True(t, tree.root.empty())
	assert.False(t, tree.Remove("a/b/+"))
}

func TestMatchCacheInvalidation(t *testing.T) {
	tree := NewTree[int](16, time.Minute)
	_, _ = tree.Insert("a/b", 1)
	assert.Equal(t, []string{"a/b"}, filters(tree.MatchTopic("a/b")))

	_, _ = tree.Insert("a/+", 2)
	assert.Equal(t, []string{"a/b", "a/+"}, filters(tree.MatchTopic("a/b")))

	tree.Remove("a/b")
	assert.Equal(t, []string{"a/+"}, filters(tree.MatchTopic("a/b")))

	tree.Clear()
	assert.Empty(t, tree.MatchTopic("a/b"))
}

func TestEntries(t *testing.T) {
	tree := NewTree[int](0, 0)
	_, _ = tree.Insert("b", 1)
	_, _ = tree.Insert("a/+", 2)
	_, _ = tree.Insert("#", 3)
	entries := tree.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "#", entries[0].Filter)
	assert.Equal(t, "a/+", entries[1].Filter)
	assert.Equal(t, "b", entries[2].Filter)
}

func TestValidateFilter(t *testing.T) {
	valid := []string{"#", "+", "a/+/b", "a/#", "/", "+/+", "$SYS/#"}
	for _, filter := range valid {
		assert.NoError(t, ValidateFilter(filter), filter)
	}
	invalid := []string{"", "a/#/b", "a#", "a/b+", "#/a", "a\x00b"}
	for _, filter := range invalid {
		err := ValidateFilter(filter)
		assert.ErrorIs(t, err, mqtt.ErrInvalidTopic, filter)
	}
}

func TestValidateTopicName(t *testing.T) {
	assert.NoError(t, ValidateTopicName("/events"))
	assert.ErrorIs(t, ValidateTopicName("a/+"), mqtt.ErrInvalidTopic)
	assert.ErrorIs(t, ValidateTopicName(""), mqtt.ErrInvalidTopic)
	assert.True(t, HasWildcard("a/#"))
	assert.False(t, HasWildcard("a/b"))
}
