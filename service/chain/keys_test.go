package chain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeystore(t *testing.T, passphrase string) (string, *keystore.Key) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey: priv,
	}
	data, err := keystore.EncryptKey(key, passphrase, keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, key
}

func TestKeySource_PrivateKey(t *testing.T) {
	key, hexKey := newTestKey(t)
	want := crypto.PubkeyToAddress(key.PublicKey)

	for _, input := range []string{hexKey, hexKey[2:], "  " + hexKey + "\n"} {
		ks := KeySource{PrivateKeyHex: input}
		assert.True(t, ks.Configured())

		addr, err := ks.Address()
		require.NoError(t, err)
		assert.Equal(t, want, addr)

		unlocked, err := ks.UnlockSilently()
		require.NoError(t, err)
		assert.Equal(t, want, crypto.PubkeyToAddress(unlocked.PublicKey))
	}
}

func TestKeySource_InvalidPrivateKey(t *testing.T) {
	_, err := KeySource{PrivateKeyHex: "0xnothex"}.UnlockSilently()
	assert.ErrorContains(t, err, "invalid private key")
}

func TestKeySource_NotConfigured(t *testing.T) {
	ks := KeySource{}
	assert.False(t, ks.Configured())
	_, err := ks.UnlockSilently()
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestKeySource_KeystoreWithPassphrase(t *testing.T) {
	path, key := writeKeystore(t, "correct horse")
	ks := KeySource{KeystorePath: path, Passphrase: "correct horse"}

	addr, err := ks.Address()
	require.NoError(t, err)
	assert.Equal(t, key.Address, addr)

	unlocked, err := ks.UnlockSilently()
	require.NoError(t, err)
	assert.Equal(t, key.Address, crypto.PubkeyToAddress(unlocked.PublicKey))
}

func TestKeySource_KeystorePrompt(t *testing.T) {
	path, key := writeKeystore(t, "correct horse")

	t.Run("locked without prompt", func(t *testing.T) {
		ks := KeySource{KeystorePath: path}
		_, err := ks.UnlockSilently()
		require.ErrorIs(t, err, ErrLocked)
		_, err = ks.Unlock(context.Background())
		require.ErrorIs(t, err, ErrNoPrompter)
	})

	t.Run("prompted", func(t *testing.T) {
		var asked string
		ks := KeySource{KeystorePath: path, Prompt: func(ctx context.Context, message string) (string, error) {
			asked = message
			return "correct horse", nil
		}}
		unlocked, err := ks.Unlock(context.Background())
		require.NoError(t, err)
		assert.Equal(t, key.Address, crypto.PubkeyToAddress(unlocked.PublicKey))
		assert.Contains(t, asked, key.Address.Hex())
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		ks := KeySource{KeystorePath: path, Prompt: func(ctx context.Context, message string) (string, error) {
			return "battery staple", nil
		}}
		_, err := ks.Unlock(context.Background())
		assert.ErrorContains(t, err, "failed to decrypt keystore")
	})

	t.Run("prompt cancelled", func(t *testing.T) {
		ks := KeySource{KeystorePath: path, Prompt: func(ctx context.Context, message string) (string, error) {
			return "", errors.New("interrupted")
		}}
		_, err := ks.Unlock(context.Background())
		assert.ErrorContains(t, err, "interrupted")
	})
}

func TestProvider_LockedKeystoreNeedsRequest(t *testing.T) {
	path, key := writeKeystore(t, "pw")
	prompts := 0
	p := newTestProvider(t, newFakeBackend(), KeySource{
		KeystorePath: path,
		Prompt: func(ctx context.Context, message string) (string, error) {
			prompts++
			return "pw", nil
		},
	})

	accounts, err := p.AuthorizedAccounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, accounts)
	assert.Zero(t, prompts)

	accounts, err = p.RequestAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key.Address, accounts[0])
	assert.Equal(t, 1, prompts)
}
