package requestid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRequestID_KeepsCallerID(t *testing.T) {
	assert.Equal(t, "crawl-42", GenerateRequestID("crawl-42"))
}

func TestGenerateRequestID_GeneratesWhenEmpty(t *testing.T) {
	id := GenerateRequestID("")
	assert.True(t, strings.HasPrefix(id, Prefix+"-"))
	assert.Len(t, id, len(Prefix)+1+36)
}

func TestGenerateRequestID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID("")
		assert.False(t, seen[id])
		seen[id] = true
	}
}
