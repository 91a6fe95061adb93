package watermark_test

import (
	"testing"

	"github.com/edgeflare/repcore/pkg/watermark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	require.Equal(t, -1, watermark.Compare("02", "06"))
	require.Equal(t, 1, watermark.Compare("0a", "06"))
	require.Equal(t, 0, watermark.Compare("06", "06"))
}

func TestIsZero(t *testing.T) {
	assert.True(t, watermark.Zero.IsZero())
	assert.False(t, watermark.Watermark("06").IsZero())
}

func TestOrdering(t *testing.T) {
	assert.True(t, watermark.Watermark("0a").After("06"))
	assert.True(t, watermark.Watermark("06").Before("0a"))
	assert.False(t, watermark.Watermark("06").After("06"))
}
