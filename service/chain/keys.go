package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Prompter asks the user for a secret. It is how a locked keystore gets
// authorized interactively.
type Prompter func(ctx context.Context, message string) (string, error)

var (
	// ErrNoKey means neither a private key nor a keystore is configured.
	ErrNoKey = errors.New("no signing key configured")
	// ErrLocked means the account has not been authorized yet.
	ErrLocked = errors.New("account is locked")
	// ErrNoPrompter means a passphrase is required but nobody can be asked.
	ErrNoPrompter = errors.New("keystore passphrase required but no prompt is available")
)

// KeySource describes where the signing key lives. PrivateKeyHex takes
// precedence over KeystorePath.
type KeySource struct {
	PrivateKeyHex string
	KeystorePath  string
	// Passphrase unlocks the keystore without prompting when set.
	Passphrase string
	Prompt     Prompter
}

// Configured reports whether any key material is configured.
func (k KeySource) Configured() bool {
	return k.PrivateKeyHex != "" || k.KeystorePath != ""
}

// Address returns the account without decrypting anything.
func (k KeySource) Address() (common.Address, error) {
	if k.PrivateKeyHex != "" {
		key, err := parsePrivateKey(k.PrivateKeyHex)
		if err != nil {
			return common.Address{}, err
		}
		return crypto.PubkeyToAddress(key.PublicKey), nil
	}
	if k.KeystorePath == "" {
		return common.Address{}, ErrNoKey
	}
	data, err := os.ReadFile(k.KeystorePath)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to read keystore: %w", err)
	}
	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return common.Address{}, fmt.Errorf("failed to parse keystore: %w", err)
	}
	if !common.IsHexAddress(header.Address) {
		return common.Address{}, fmt.Errorf("keystore has no valid address: %q", header.Address)
	}
	return common.HexToAddress(header.Address), nil
}

// UnlockSilently returns the key if it can be obtained without asking the
// user, and ErrLocked if a prompt would be needed.
func (k KeySource) UnlockSilently() (*ecdsa.PrivateKey, error) {
	switch {
	case k.PrivateKeyHex != "":
		return parsePrivateKey(k.PrivateKeyHex)
	case k.KeystorePath == "":
		return nil, ErrNoKey
	case k.Passphrase == "":
		return nil, ErrLocked
	}
	return decryptKeystore(k.KeystorePath, k.Passphrase)
}

// Unlock returns the key, prompting for the keystore passphrase if needed.
func (k KeySource) Unlock(ctx context.Context) (*ecdsa.PrivateKey, error) {
	key, err := k.UnlockSilently()
	if !errors.Is(err, ErrLocked) {
		return key, err
	}
	if k.Prompt == nil {
		return nil, ErrNoPrompter
	}
	addr, err := k.Address()
	if err != nil {
		return nil, err
	}
	passphrase, err := k.Prompt(ctx, fmt.Sprintf("Passphrase for %s: ", addr.Hex()))
	if err != nil {
		return nil, fmt.Errorf("passphrase prompt: %w", err)
	}
	return decryptKeystore(k.KeystorePath, passphrase)
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func decryptKeystore(path, passphrase string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}
