package pokeworker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBytes(t *testing.T) {
	assert := assert.New(t)
	for in, want := range map[string]int64{
		"":       0,
		"1024":   1024,
		"512kb":  512 * 1024,
		"256MB":  256 * 1024 * 1024,
		"1g":     1024 * 1024 * 1024,
		"1.5 kb": 1536,
	} {
		got, err := parseBytes(in)
		assert.NoError(err, in)
		assert.Equal(want, got, in)
	}

	for _, in := range []string{"b", "-1", "lots"} {
		_, err := parseBytes(in)
		assert.Error(err, in)
	}
}

func TestFormatBytes(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("512b", formatBytes(512))
	assert.Equal("1.5kb", formatBytes(1536))
	assert.Equal("2mb", formatBytes(2*1024*1024))
	assert.Equal("1gb", formatBytes(1024*1024*1024))
}
