// Package vpn provides VPN connection management functionality.
// This file contains the exit point catalogue and unit naming helpers.
package vpn

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yllada/pia-tools/common"
)

// Catalog lists the exit points available in a PIA config directory.
// Each exit point is a <name>.ovpn file.
type Catalog struct {
	dir string
}

// NewCatalog returns a catalogue backed by dir.
func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// Dir returns the backing directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// Available returns the sorted exit point names.
func (c *Catalog) Available() ([]string, error) {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read exit points: %w", err)
	}

	var names []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), common.OVPNExtension) {
			continue
		}
		names = append(names, strings.TrimSuffix(f.Name(), common.OVPNExtension))
	}
	sort.Strings(names)
	return names, nil
}

// Valid reports whether name is an available exit point.
func (c *Catalog) Valid(name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	names, err := c.Available()
	if err != nil {
		return false, err
	}
	return common.StringInSlice(name, names), nil
}

// Validate returns an ErrUnknownExitPoint error listing the alternatives
// when name is not available.
func (c *Catalog) Validate(name string) error {
	ok, err := c.Valid(name)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	names, _ := c.Available()
	return fmt.Errorf("%w %q. Available exit points: %s",
		common.ErrUnknownExitPoint, name, strings.Join(names, ", "))
}

// ConfigPath returns the OpenVPN config file of an exit point.
func (c *Catalog) ConfigPath(name string) string {
	return filepath.Join(c.dir, name+common.OVPNExtension)
}

// UnitName returns the templated unit for an exit point: <prefix>@<exit>.service.
func UnitName(prefix, exitPoint string) string {
	return prefix + "@" + exitPoint + common.ServiceSuffix
}

// ParseUnitName extracts the exit point from a templated unit name.
func ParseUnitName(prefix, unit string) (string, bool) {
	rest, ok := strings.CutPrefix(unit, prefix+"@")
	if !ok {
		return "", false
	}
	exitPoint, ok := strings.CutSuffix(rest, common.ServiceSuffix)
	if !ok {
		return "", false
	}
	return exitPoint, true
}
