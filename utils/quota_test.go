package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemaining(t *testing.T) {
	assert.Equal(t, 100, Remaining(100, 0))
	assert.Equal(t, 1, Remaining(100, 99))
	assert.Equal(t, 0, Remaining(100, 100))
	// Never negative, even when usage overshot the limit.
	assert.Equal(t, 0, Remaining(100, 150))
}
