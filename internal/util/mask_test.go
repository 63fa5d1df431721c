package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "***", MaskToken(""))
	assert.Equal(t, "***", MaskToken("short"))
	assert.Equal(t, "***", MaskToken("12345678"))
	assert.Equal(t, "abcd...wxyz", MaskToken("abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "aRte...39bQ", MaskToken("aRteZq0021kdueP39bQ"))
}
