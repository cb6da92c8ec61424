package services

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultbank/backend/internal/config"
)

func TestArgon2Credentials(t *testing.T) {
	config.Load()
	creds := NewArgon2Credentials()

	t.Run("hash and verify roundtrip", func(t *testing.T) {
		hash, err := creds.Hash("1234")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(hash, "$argon2id$v="))
		assert.Equal(t, 6, len(strings.Split(hash, "$")))

		assert.True(t, creds.Verify("1234", hash))
		assert.False(t, creds.Verify("4321", hash))
	})

	t.Run("hashes are salted", func(t *testing.T) {
		first, err := creds.Hash("1234")
		require.NoError(t, err)
		second, err := creds.Hash("1234")
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
	})

	t.Run("verification survives cost retuning", func(t *testing.T) {
		hash, err := creds.Hash("1234")
		require.NoError(t, err)

		// The stored hash carries its own parameters, so hashes made
		// under the old settings keep verifying after a config change.
		oldTime, oldMemory := viper.GetInt("argon2.time"), viper.GetInt("argon2.memory")
		viper.Set("argon2.time", oldTime+2)
		viper.Set("argon2.memory", oldMemory/2)
		defer func() {
			viper.Set("argon2.time", oldTime)
			viper.Set("argon2.memory", oldMemory)
		}()

		assert.True(t, creds.Verify("1234", hash))
		assert.False(t, creds.Verify("4321", hash))
	})

	t.Run("malformed stored hash never verifies", func(t *testing.T) {
		assert.False(t, creds.Verify("1234", ""))
		assert.False(t, creds.Verify("1234", "no-separator"))
		assert.False(t, creds.Verify("1234", "!!!$!!!"))
		assert.False(t, creds.Verify("1234", "$argon2i$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA"))
		assert.False(t, creds.Verify("1234", "$argon2id$v=18$m=65536,t=1,p=4$c2FsdA$aGFzaA"))
		assert.False(t, creds.Verify("1234", "$argon2id$v=19$m=banana$c2FsdA$aGFzaA"))
	})
}
