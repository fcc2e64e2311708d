package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$12.98", 12.98, true},
		{"Now $1,299.00", 1299.00, true},
		{"  $0.97 each ", 0.97, true},
		{"", 0, false},
		{"See price in cart", 0, false},
	}
	for _, tc := range cases {
		got, ok := parsePrice(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestItemIDFromURL(t *testing.T) {
	require.Equal(t, "310819123", itemIDFromURL("https://shop.example/p/interior-paint/310819123"))
	require.Equal(t, "", itemIDFromURL(""))
}

func TestOffsetURL(t *testing.T) {
	got, err := offsetURL("https://shop.example/c/paint?sort=price", "offset", 48)
	require.NoError(t, err)
	require.Contains(t, got, "offset=48")
	require.Contains(t, got, "sort=price")

	same, err := offsetURL("https://shop.example/c/paint", "offset", 0)
	require.NoError(t, err)
	require.Equal(t, "https://shop.example/c/paint", same)
}
