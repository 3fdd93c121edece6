package region

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListAllURLsAreSocketEndpoints(t *testing.T) {
	urls := ListAll(false)
	require.NotEmpty(t, urls)
	for _, u := range urls {
		require.True(t, strings.HasPrefix(u, "wss://"), u)
		require.Contains(t, u, ".po.market")
		require.True(t, strings.HasSuffix(u, "/socket.io/?EIO=4&transport=websocket"), u)
	}
}

func TestListAllRandomizeIsPermutation(t *testing.T) {
	plain := ListAll(false)
	shuffled := ListAll(true)
	require.Len(t, shuffled, len(plain))

	a := append([]string(nil), plain...)
	b := append([]string(nil), shuffled...)
	sort.Strings(a)
	sort.Strings(b)
	require.Equal(t, a, b)
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	upper, ok := Lookup("EUROPA")
	require.True(t, ok)
	lower, ok := Lookup("europa")
	require.True(t, ok)
	require.Equal(t, upper, lower)
	require.Contains(t, upper, "eu.po.market")

	_, ok = Lookup("NONEXISTENT")
	require.False(t, ok)
}

func TestPriorityStartsWithEuropa(t *testing.T) {
	europa, ok := Lookup("EUROPA")
	require.True(t, ok)
	priority := ListPriority()
	require.NotEmpty(t, priority)
	require.Equal(t, europa, priority[0])
}

func TestDemoRegions(t *testing.T) {
	demo := ListDemo()
	require.Len(t, demo, 2)
	for _, u := range demo {
		require.Contains(t, u, "demo")
	}
	for _, u := range ListAll(false) {
		require.NotContains(t, demo, u)
	}
}

func TestListRealHasNoDuplicates(t *testing.T) {
	real := ListReal()
	seen := make(map[string]bool, len(real))
	for _, u := range real {
		require.False(t, seen[u], "duplicate %s", u)
		seen[u] = true
	}
	require.Len(t, real, len(ListAll(false)))
	require.Equal(t, ListPriority(), real[:len(ListPriority())])
}

func TestResolveAcceptsURLOrName(t *testing.T) {
	u, ok := Resolve("wss://custom.example/socket.io/?EIO=4&transport=websocket")
	require.True(t, ok)
	require.Equal(t, "wss://custom.example/socket.io/?EIO=4&transport=websocket", u)

	u, ok = Resolve(" demo ")
	require.True(t, ok)
	require.Contains(t, u, "demo-api-eu")
}
