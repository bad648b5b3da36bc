package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mtzanidakis/clipforge/internal/store"
)

const refPrefix = "secret:"

var ErrSecretNotFound = errors.New("secret not found")

// Secrets stores named credentials encrypted in sqlite.
type Secrets struct {
	db    *store.Store
	vault *Vault
}

func NewSecrets(db *store.Store, v *Vault) *Secrets {
	return &Secrets{db: db, vault: v}
}

func (s *Secrets) Put(name, description string, value []byte) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("secret name is required")
	}
	ct, nonce, err := s.vault.Encrypt(value)
	if err != nil {
		return err
	}
	return s.db.SaveSecret(&store.Secret{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Value:       ct,
		Nonce:       nonce,
	})
}

func (s *Secrets) Get(name string) ([]byte, error) {
	sec, err := s.db.GetSecretByName(name)
	if err != nil {
		return nil, err
	}
	if sec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return s.vault.Decrypt(sec.Value, sec.Nonce)
}

func (s *Secrets) List() ([]store.Secret, error) {
	return s.db.ListSecrets()
}

func (s *Secrets) Delete(name string) error {
	return s.db.DeleteSecret(name)
}

// Resolve expands "secret:<name>" references; other values pass through.
func (s *Secrets) Resolve(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return ref, nil
	}
	if s == nil {
		return "", fmt.Errorf("secret %q referenced but no vault passphrase is configured", name)
	}
	v, err := s.Get(name)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// IsRef reports whether value refers to a stored secret.
func IsRef(value string) bool {
	return strings.HasPrefix(value, refPrefix)
}
