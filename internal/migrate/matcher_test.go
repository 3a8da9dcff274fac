package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkivela/collabsync-go/internal/platform"
)

func targetItem(id string, value any) platform.Item {
	return platform.Item{ID: id, Fields: map[string]any{"t-name": value}}
}

func TestFindMatch(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.seed("app-t", targetItem("1", "alpha"), targetItem("2", "Beta "))
	matcher := NewMatcher(api)

	// Formatting differences must not defeat the match.
	match, err := matcher.FindMatch(context.Background(), "app-t", "t-name", FieldText, "  BETA ")
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "2", match.ID)

	match, err = matcher.FindMatch(context.Background(), "app-t", "t-name", FieldText, "gamma")
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestFindMatchEmptyKeyNeverMatches(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.seed("app-t", targetItem("1", "anything"))
	matcher := NewMatcher(api)

	// Invalid numbers normalize to empty, meaning no match is possible.
	match, err := matcher.FindMatch(context.Background(), "app-t", "t-name", FieldNumber, "not-a-number")
	require.NoError(t, err)
	assert.Nil(t, match)

	hits, misses := matcher.CacheStats()
	assert.Zero(t, hits)
	assert.Zero(t, misses, "empty keys must not touch cache or network")
}

func TestFindMatchCaching(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.seed("app-t", targetItem("1", "alpha"))
	matcher := NewMatcher(api)

	for i := 0; i < 3; i++ {
		match, err := matcher.FindMatch(context.Background(), "app-t", "t-name", FieldText, "Alpha")
		require.NoError(t, err)
		require.NotNil(t, match)
	}
	// Negative results are cached too.
	for i := 0; i < 2; i++ {
		match, err := matcher.FindMatch(context.Background(), "app-t", "t-name", FieldText, "missing")
		require.NoError(t, err)
		assert.Nil(t, match)
	}

	hits, misses := matcher.CacheStats()
	assert.EqualValues(t, 3, hits)
	assert.EqualValues(t, 2, misses)
}

func TestInvalidateDropsCachedAnswer(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	matcher := NewMatcher(api)

	match, err := matcher.FindMatch(context.Background(), "app-t", "t-name", FieldText, "alpha")
	require.NoError(t, err)
	assert.Nil(t, match)

	// The value now exists; without invalidation the stale "no match" would
	// be served from cache.
	api.seed("app-t", targetItem("9", "alpha"))
	matcher.Invalidate("app-t", "t-name", FieldText, "alpha")

	match, err = matcher.FindMatch(context.Background(), "app-t", "t-name", FieldText, "alpha")
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "9", match.ID)
}
