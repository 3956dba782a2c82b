package subject

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToken(t *testing.T) {
	t.Run("valid names pass through", func(t *testing.T) {
		require.Equal(t, "shopping_alice", Token("shopping_alice"))
		require.Equal(t, "list-42", Token("list-42"))
		require.Equal(t, "Item_9", Token("Item_9"))
	})

	t.Run("invalid characters are replaced and hashed", func(t *testing.T) {
		tok := Token("team.a/list 1")
		require.True(t, strings.HasPrefix(tok, "team_a_list_1-"), tok)
		require.NotContains(t, tok, ".")
		require.NotContains(t, tok, " ")
	})

	t.Run("sanitized collisions stay distinct", func(t *testing.T) {
		require.NotEqual(t, Token("a.b"), Token("a_b"))
		require.NotEqual(t, Token("a.b"), Token("a*b"))
	})

	t.Run("long names are truncated with suffix", func(t *testing.T) {
		long := strings.Repeat("x", 200)
		tok := Token(long)
		require.Less(t, len(tok), 64)
		require.NotEqual(t, tok, Token(long+"y"))
	})

	t.Run("empty name", func(t *testing.T) {
		require.NotEmpty(t, Token(""))
	})

	t.Run("deterministic", func(t *testing.T) {
		require.Equal(t, Token("a b"), Token("a b"))
	})
}

func TestSubjectHelpers(t *testing.T) {
	require.Equal(t, "fanout.shopping_alice", Subject("fanout", "shopping_alice"))
	require.Equal(t, "fanout.>", Filter("fanout"))
	require.Equal(t, "shopping__shopping_alice", Durable("shopping", "shopping_alice"))
	require.Equal(t, "shopping.alice", RosterKey("shopping", "alice"))
	require.Equal(t, "shopping.*", RosterPrefix("shopping"))

	t.Run("pair keys map to one level per part", func(t *testing.T) {
		require.Equal(t, "fanout.a_b.c", Subject("fanout", "a_b.c"))
		require.Equal(t, "fanout.a.b_c", Subject("fanout", "a.b_c"))
		require.NotEqual(t, Durable("a_b", "a_b.c"), Durable("a", "a.b_c"))
	})
}

func TestToken_KVSafe(t *testing.T) {
	tok := Token("alice@example.com")
	for _, r := range tok {
		require.True(t, isTokenRune(r), "unexpected rune %q in %q", r, tok)
	}
	require.NotEqual(t, Token("alice@example.com"), Token("alice_example_com"))
}
