package chrome

import (
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenHeaders(t *testing.T) {
	h := network.Headers{
		"Content-Type":   "text/html",
		"Content-Length": 1024,
	}

	flat := flattenHeaders(h)

	assert.Equal(t, "text/html", flat["Content-Type"])
	assert.Equal(t, "1024", flat["Content-Length"])
}

func TestToHTTPHeader_SplitsFoldedValues(t *testing.T) {
	h := network.Headers{
		"Set-Cookie":   "a=1\nb=2",
		"Content-Type": "text/html",
	}

	hdr := toHTTPHeader(h)

	assert.Equal(t, []string{"a=1", "b=2"}, hdr.Values("Set-Cookie"))
	assert.Equal(t, "text/html", hdr.Get("Content-Type"))
}

func TestMergeRequestHeaders_OverrideWins(t *testing.T) {
	orig := map[string]string{
		"User-Agent": "old",
		"Accept":     "*/*",
	}
	override := map[string]string{"User-Agent": "new"}

	entries := mergeRequestHeaders(orig, override)

	byName := make(map[string]string, len(entries))
	for _, e := range entries {
		byName[e.Name] = e.Value
	}
	assert.Equal(t, "new", byName["User-Agent"])
	assert.Equal(t, "*/*", byName["Accept"])
}

func TestMergeRequestHeaders_CookiesConcatenate(t *testing.T) {
	orig := map[string]string{"Cookie": "session=abc"}
	override := map[string]string{"cookie": "tracking=xyz"}

	entries := mergeRequestHeaders(orig, override)

	require.Len(t, entries, 1)
	assert.Equal(t, "Cookie", entries[0].Name)
	assert.Equal(t, "session=abc; tracking=xyz", entries[0].Value)
}

func TestMergeRequestHeaders_SortedStable(t *testing.T) {
	orig := map[string]string{"Zeta": "1", "Alpha": "2", "Mu": "3"}

	entries := mergeRequestHeaders(orig, nil)

	require.Len(t, entries, 3)
	assert.Equal(t, "Alpha", entries[0].Name)
	assert.Equal(t, "Mu", entries[1].Name)
	assert.Equal(t, "Zeta", entries[2].Name)
}
