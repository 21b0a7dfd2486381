package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedHex = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := SealSeed(seedHex, "correct horse")
	require.NoError(t, err)
	require.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, seedHex, "seed must not appear in the sealed form")

	opened, err := OpenSeed(sealed, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, seedHex, opened)
}

func TestOpenSeedPlaintextPassthrough(t *testing.T) {
	opened, err := OpenSeed(seedHex, "")
	require.NoError(t, err)
	assert.Equal(t, seedHex, opened)
}

func TestOpenSeedWrongPassphrase(t *testing.T) {
	sealed, err := SealSeed(seedHex, "right")
	require.NoError(t, err)

	_, err = OpenSeed(sealed, "wrong")
	assert.Error(t, err)
}

func TestSealSeedRequiresPassphrase(t *testing.T) {
	_, err := SealSeed(seedHex, "")
	assert.Error(t, err)
}

func TestOpenSeedRejectsTamperedBlob(t *testing.T) {
	sealed, err := SealSeed(seedHex, "pass")
	require.NoError(t, err)

	// Corrupt the payload but keep valid base64.
	body := strings.TrimPrefix(sealed, "enc:")
	mutated := []byte(body)
	if mutated[10] == 'A' {
		mutated[10] = 'B'
	} else {
		mutated[10] = 'A'
	}
	_, err = OpenSeed("enc:"+string(mutated), "pass")
	assert.Error(t, err)
}

func TestSealSeedFreshSaltPerSeal(t *testing.T) {
	a, err := SealSeed(seedHex, "pass")
	require.NoError(t, err)
	b, err := SealSeed(seedHex, "pass")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
