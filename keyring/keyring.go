// Package keyring provides credential storage for the PIA account.
// OpenVPN reads the credentials from a plain passwd file; the system
// keyring can optionally hold a mirror of the password.
package keyring

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/yllada/pia-tools/common"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "pia-tools"
)

// Credentials is a PIA account.
type Credentials struct {
	Username string
	Password string
}

// Valid reports whether both fields are set.
func (c Credentials) Valid() bool {
	return c.Username != "" && c.Password != ""
}

// FileStore reads and writes the openvpn auth-user-pass file.
type FileStore struct {
	Path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Write stores the credentials as "username\npassword\n" with mode 0600.
func (s *FileStore) Write(c Credentials) error {
	if c.Username == "" {
		return errors.New("username cannot be empty")
	}
	if strings.ContainsAny(c.Username+c.Password, "\r\n") {
		return errors.New("credentials cannot contain line breaks")
	}
	if err := common.EnsureDir(filepath.Dir(s.Path)); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(s.Path), err)
	}
	data := c.Username + "\n" + c.Password + "\n"
	if err := common.WriteFileAtomic(s.Path, []byte(data), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.Path, err)
	}
	return nil
}

// Read returns the first two lines of the file. A missing file or missing
// username yield ErrCredentialsNotFound. The password may be empty when it
// is kept in the system keyring only.
func (s *FileStore) Read() (Credentials, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, fmt.Errorf("%w: %s", common.ErrCredentialsNotFound, s.Path)
		}
		return Credentials{}, err
	}

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() && len(lines) < 2 {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if len(lines) == 0 || lines[0] == "" {
		return Credentials{}, fmt.Errorf("%w: %s is empty", common.ErrCredentialsNotFound, s.Path)
	}

	c := Credentials{Username: lines[0]}
	if len(lines) > 1 {
		c.Password = lines[1]
	}
	return c, nil
}

// SystemStore keeps passwords in the desktop or kernel keyring, keyed by
// username.
type SystemStore struct {
	service string
}

// NewSystemStore returns a store using the pia-tools service name.
func NewSystemStore() *SystemStore {
	return &SystemStore{service: serviceName}
}

// Store saves a password for a PIA user.
func (s *SystemStore) Store(username, password string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}
	if err := keyring.Set(s.service, username, password); err != nil {
		return fmt.Errorf("keyring unavailable: %w", err)
	}
	return nil
}

// Get retrieves the password of a PIA user.
func (s *SystemStore) Get(username string) (string, error) {
	if username == "" {
		return "", errors.New("username cannot be empty")
	}
	password, err := keyring.Get(s.service, username)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: no keyring entry for %s", common.ErrCredentialsNotFound, username)
		}
		return "", fmt.Errorf("keyring unavailable: %w", err)
	}
	return password, nil
}

// Delete removes the password of a PIA user. A missing entry is not an error.
func (s *SystemStore) Delete(username string) error {
	err := keyring.Delete(s.service, username)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// Resolver combines the passwd file with the optional keyring mirror.
type Resolver struct {
	file   *FileStore
	system *SystemStore
}

// NewResolver returns a resolver. system may be nil to disable the keyring.
func NewResolver(file *FileStore, system *SystemStore) *Resolver {
	return &Resolver{file: file, system: system}
}

// Credentials reads the passwd file, filling a missing password from the
// keyring when it is enabled.
func (r *Resolver) Credentials() (Credentials, error) {
	c, err := r.file.Read()
	if err != nil {
		return Credentials{}, err
	}
	if c.Password != "" {
		return c, nil
	}
	if r.system == nil {
		return Credentials{}, fmt.Errorf("%w: no password in %s", common.ErrCredentialsNotFound, r.file.Path)
	}

	common.LogDebug("Password missing from %s, asking the system keyring", r.file.Path)
	c.Password, err = r.system.Get(c.Username)
	if err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// Save writes the passwd file and mirrors the password into the keyring.
// Switching accounts drops the previous user's keyring entry.
// A keyring failure is logged; the passwd file is what openvpn needs.
func (r *Resolver) Save(c Credentials) error {
	if !c.Valid() {
		return errors.New("username and password are required")
	}
	previous, _ := r.file.Read()
	if err := r.file.Write(c); err != nil {
		return err
	}
	if r.system == nil {
		return nil
	}

	if err := r.system.Store(c.Username, c.Password); err != nil {
		common.LogWarn("Could not mirror password into the keyring: %v", err)
	}
	if previous.Username != "" && previous.Username != c.Username {
		if err := r.system.Delete(previous.Username); err != nil {
			common.LogWarn("Could not remove keyring entry of %s: %v", previous.Username, err)
		}
	}
	return nil
}
