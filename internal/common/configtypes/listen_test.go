package configtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListenAddress(t *testing.T) {
	host, port, err := ParseListenAddress(":10070")
	require.NoError(t, err)
	assert.Equal(t, "", host)
	assert.Equal(t, 10070, port)

	host, port, err = ParseListenAddress("127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 8080, port)

	_, _, err = ParseListenAddress("")
	assert.Error(t, err)

	_, _, err = ParseListenAddress("no-port")
	assert.Error(t, err)
}

func TestValidateListenAddress(t *testing.T) {
	assert.NoError(t, ValidateListenAddress(":10070"))
	assert.Error(t, ValidateListenAddress(":0"))
	assert.Error(t, ValidateListenAddress(":99999"))
	assert.Error(t, ValidateListenAddress("garbage"))
}
