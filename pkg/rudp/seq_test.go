package rudp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeqLess_Basic(t *testing.T) {
	assert.True(t, seqLess(5, 10))
	assert.False(t, seqLess(10, 5))
	assert.False(t, seqLess(5, 5))
}

func TestSeqLess_WrapAround(t *testing.T) {
	assert.True(t, seqLess(seqMax, 0))
	assert.False(t, seqLess(0, seqMax))
}

func TestSeqAdd_Wraps(t *testing.T) {
	assert.Equal(t, uint32(0), seqAdd(seqMax, 1))
	assert.Equal(t, uint32(seqMax), seqAdd(0, -1))
}

func TestSeqDistance(t *testing.T) {
	assert.Equal(t, 5, seqDistance(10, 15))
	assert.Equal(t, -5, seqDistance(15, 10))
}
