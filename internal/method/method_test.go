package method

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, m := range All() {
		got, err := Parse(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := Parse("RETINA")
	assert.Error(t, err)
	_, err = Parse("pin")
	assert.Error(t, err)
}

func TestRequiresSession(t *testing.T) {
	assert.False(t, Face.RequiresSession())
	for _, m := range []Method{PIN, QR, NFC, Fingerprint} {
		assert.True(t, m.RequiresSession(), "method %s", m)
	}
}
