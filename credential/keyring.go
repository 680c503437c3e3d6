// Package credential keeps IMAP passwords in the operating system keyring so
// they never appear in config files or shell history.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailzip-to-csv"

// ErrNotStored is returned when no password is saved for an account.
var ErrNotStored = errors.New("no IMAP password stored")

func ringConfig() keyring.Config {
	return keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		// Headless hosts without a desktop keyring fall back to an
		// encrypted file under the user's config directory.
		FileDir:                  "~/.config/mailzip-to-csv/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailzip-to-csv-file-key"),
		KeychainTrustApplication: true,
	}
}

// openKeyring is replaced by an in-memory keyring in tests.
var openKeyring = func() (keyring.Keyring, error) {
	return keyring.Open(ringConfig())
}

func withKeyring(fn func(keyring.Keyring) error) error {
	ring, err := openKeyring()
	if err != nil {
		return fmt.Errorf("open %s keyring: %w", serviceName, err)
	}
	return fn(ring)
}

// Key names the keyring entry of the IMAP account user@host.
func Key(user, host string) string {
	return "imap:" + user + "@" + host
}

// Lookup returns the IMAP password saved for user on host. A missing entry
// yields an error matching ErrNotStored.
func Lookup(user, host string) (string, error) {
	return Get(Key(user, host))
}

// Get returns the password saved under key.
func Get(key string) (string, error) {
	var password string
	err := withKeyring(func(ring keyring.Keyring) error {
		item, err := ring.Get(key)
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("%w for %s", ErrNotStored, key)
		}
		if err != nil {
			return fmt.Errorf("read IMAP password for %s: %w", key, err)
		}
		password = string(item.Data)
		return nil
	})
	return password, err
}

// Set saves password under key, replacing any previous entry.
func Set(key, password string) error {
	return withKeyring(func(ring keyring.Keyring) error {
		err := ring.Set(keyring.Item{
			Key:         key,
			Data:        []byte(password),
			Label:       "IMAP password (" + key + ")",
			Description: serviceName,
		})
		if err != nil {
			return fmt.Errorf("store IMAP password for %s: %w", key, err)
		}
		return nil
	})
}

// Delete forgets the password saved under key.
func Delete(key string) error {
	return withKeyring(func(ring keyring.Keyring) error {
		err := ring.Remove(key)
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("%w for %s", ErrNotStored, key)
		}
		if err != nil {
			return fmt.Errorf("remove IMAP password for %s: %w", key, err)
		}
		return nil
	})
}
