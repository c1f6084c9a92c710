package hashutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlake3Hash(t *testing.T) {
	a := Blake3Hash([]byte("archive"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Blake3Hash([]byte("archive")))
	assert.NotEqual(t, a, Blake3Hash([]byte("archive2")))

	// Known digest of the empty input.
	assert.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", Blake3Hash(nil))
}
