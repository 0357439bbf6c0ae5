package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSkipIntegration(t *testing.T) {
	t.Setenv("FUTAGO_SKIP_INTEGRATION", "1")
	assert.True(t, SkipIntegration())

	t.Setenv("FUTAGO_SKIP_INTEGRATION", "")
	assert.Equal(t, testing.Short(), SkipIntegration())
}
