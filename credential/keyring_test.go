package credential

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useMemoryKeyring(t *testing.T, items ...keyring.Item) {
	t.Helper()
	ring := keyring.NewArrayKeyring(items)
	prev := openKeyring
	openKeyring = func() (keyring.Keyring, error) { return ring, nil }
	t.Cleanup(func() { openKeyring = prev })
}

func TestLookup(t *testing.T) {
	useMemoryKeyring(t, keyring.Item{Key: "imap:finance@example.com@imap.example.com", Data: []byte("secret")})

	got, err := Lookup("finance@example.com", "imap.example.com")
	require.NoError(t, err)
	assert.Equal(t, "secret", got)
}

func TestSetGetDelete(t *testing.T) {
	useMemoryKeyring(t)

	key := Key("u", "h")
	require.NoError(t, Set(key, "pw"))

	got, err := Get(key)
	require.NoError(t, err)
	assert.Equal(t, "pw", got)

	require.NoError(t, Delete(key))
	_, err = Get(key)
	require.ErrorIs(t, err, ErrNotStored)
}

func TestLookup_NotStored(t *testing.T) {
	useMemoryKeyring(t)

	_, err := Lookup("ops", "imap.example.com")
	require.ErrorIs(t, err, ErrNotStored)
	assert.Contains(t, err.Error(), "imap:ops@imap.example.com")
}

func TestOpenFailure(t *testing.T) {
	prev := openKeyring
	openKeyring = func() (keyring.Keyring, error) { return nil, errors.New("no backend") }
	t.Cleanup(func() { openKeyring = prev })

	_, err := Lookup("u", "h")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open mailzip-to-csv keyring")
	assert.NotErrorIs(t, err, ErrNotStored)
}
