package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName is the keychain service identifier.
	ServiceName = "cortex-orchestrator"

	// DataKeyAccount stores the random data key for the keyring scheme.
	DataKeyAccount = "_vault_data_key"
)

// Keeper is the platform secure storage the keyring scheme relies on.
type Keeper interface {
	Get(service, account string) (string, error)
	Set(service, account, secret string) error
	Delete(service, account string) error
}

// OSKeyring stores secrets in the OS keychain through go-keyring.
type OSKeyring struct{}

func (OSKeyring) Get(service, account string) (string, error) {
	return keyring.Get(service, account)
}

func (OSKeyring) Set(service, account, secret string) error {
	return keyring.Set(service, account, secret)
}

func (OSKeyring) Delete(service, account string) error {
	return keyring.Delete(service, account)
}

// dataKey returns the keyring data key, creating it when create is set and
// none exists yet.
func dataKey(k Keeper, create bool) ([]byte, error) {
	encoded, err := k.Get(ServiceName, DataKeyAccount)
	switch {
	case err == nil:
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(key) != keyLen {
			return nil, fmt.Errorf("%w: malformed data key in keyring", ErrCorrupt)
		}
		return key, nil
	case errors.Is(err, keyring.ErrNotFound) && create:
	default:
		return nil, fmt.Errorf("get data key: %w", err)
	}

	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	if err := k.Set(ServiceName, DataKeyAccount, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("store data key: %w", err)
	}
	return key, nil
}

// MachineSeed derives a stable per-machine secret from host and account
// identity. Blobs sealed with it only open on the same machine and user.
func MachineSeed() []byte {
	host, _ := os.Hostname()
	home, _ := os.UserHomeDir()
	name := os.Getenv("USER")
	uid := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
		uid = u.Uid
	}
	sum := sha256.Sum256([]byte("cortex-orchestrator|" + host + "|" + name + "|" + uid + "|" + home))
	return sum[:]
}
