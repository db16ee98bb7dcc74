package storage

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3.75, 0, math.MaxFloat32}
	b := VectorToBytes(v)
	require.Len(t, b, len(v)*4)

	got, err := BytesToVector(b, len(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestBytesToVectorBadLength(t *testing.T) {
	_, err := BytesToVector(make([]byte, 10), 3)
	assert.Error(t, err)

	_, err = BytesToVector(nil, 1)
	assert.Error(t, err)
}

func TestVectorToBytesLittleEndian(t *testing.T) {
	b := VectorToBytes([]float32{1.0})
	// 1.0 is 0x3F800000, stored little-endian.
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3F}, b)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-3, 0}), 1e-9)

	// Zero vectors score zero instead of dividing by zero.
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestTranslatePlaceholders(t *testing.T) {
	assert.Equal(t,
		"SELECT id FROM memories WHERE id = $1 AND user_id = $2",
		TranslatePlaceholders("SELECT id FROM memories WHERE id = ? AND user_id = ?"))
	assert.Equal(t, "no placeholders", TranslatePlaceholders("no placeholders"))
	assert.Equal(t, "($1, $2, $3)", TranslatePlaceholders("(?, ?, ?)"))
}
