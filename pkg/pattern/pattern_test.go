package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Kinds(t *testing.T) {
	tests := []struct {
		src  string
		kind Kind
	}{
		{"https://a.test/pixel.gif", KindExact},
		{"*doubleclick.net*", KindWildcard},
		{"~^https://a\\.test/ads/", KindRegexp},
		{"~*tracking|analytics", KindRegexp},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			p, err := Compile(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.Kind)
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile("")
	assert.Error(t, err)

	_, err = Compile("~[unclosed")
	assert.Error(t, err)

	_, err = Compile("~*[unclosed")
	assert.Error(t, err)
}

func TestMatch_Exact(t *testing.T) {
	p, err := Compile("https://a.test/pixel.gif")
	require.NoError(t, err)

	assert.True(t, p.Match("https://a.test/pixel.gif"))
	assert.True(t, p.Match("HTTPS://A.TEST/PIXEL.GIF"))
	assert.False(t, p.Match("https://a.test/pixel.gif?v=2"))
}

func TestMatch_Wildcard(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"*doubleclick.net*", "https://ad.doubleclick.net/track", true},
		{"*doubleclick.net*", "https://example.com/page", false},
		{"https://a.test/*", "https://a.test/any/depth/here", true},
		{"*.png", "https://a.test/img/logo.png", true},
		{"*.png", "https://a.test/img/logo.svg", false},
		{"*/ads/*/banner*", "https://a.test/ads/top/banner.jpg", true},
		{"*/ads/*/banner*", "https://a.test/banner/ads/top", false},
		{"*", "anything at all", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" vs "+tt.url, func(t *testing.T) {
			p, err := Compile(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(tt.url))
		})
	}
}

func TestMatch_Regexp(t *testing.T) {
	cs, err := Compile("~^https://a\\.test/Ads/")
	require.NoError(t, err)
	assert.True(t, cs.Match("https://a.test/Ads/one"))
	assert.False(t, cs.Match("https://a.test/ads/one"), "case-sensitive form must not match lowercase")

	ci, err := Compile("~*^https://a\\.test/ads/")
	require.NoError(t, err)
	assert.True(t, ci.Match("https://a.test/ADS/one"))
}

func TestMatch_NilPattern(t *testing.T) {
	var p *Pattern
	assert.False(t, p.Match("https://a.test/"))
}
