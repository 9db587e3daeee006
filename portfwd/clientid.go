// Package portfwd requests a forwarded port from the PIA API for the
// running tunnel.
package portfwd

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/yllada/pia-tools/common"
)

var clientIDRe = regexp.MustCompile(`^[0-9a-f]{128}$`)

// ClientIDStore caches the client id the PIA API ties a forwarded port to.
type ClientIDStore struct {
	Path string
}

// NewClientIDStore returns a store backed by path.
func NewClientIDStore(path string) *ClientIDStore {
	return &ClientIDStore{Path: path}
}

// Get returns the cached id, generating a new one when force is set or the
// cache is missing or malformed.
func (s *ClientIDStore) Get(force bool) (string, error) {
	if !force {
		id, err := s.read()
		if err == nil {
			return id, nil
		}
		common.LogDebug("No usable client ID: %v", err)
	}

	common.LogInfo("Generating a new client ID")
	id, err := GenerateClientID()
	if err != nil {
		return "", err
	}
	common.LogDebug("Generated client ID: %s", id)

	if err := common.WriteFileAtomic(s.Path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to save client ID: %w", err)
	}
	return id, nil
}

func (s *ClientIDStore) read() (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if !clientIDRe.MatchString(id) {
		return "", fmt.Errorf("malformed client ID in %s", s.Path)
	}
	return id, nil
}

// GenerateClientID returns the hex SHA-512 of a random seed.
func GenerateClientID() (string, error) {
	seed := make([]byte, 64)
	if _, err := rand.Read(seed); err != nil {
		return "", err
	}
	u := uuid.New()
	sum := sha512.Sum512(append(u[:], seed...))
	return hex.EncodeToString(sum[:]), nil
}
