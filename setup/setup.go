// Package setup prepares the PIA configuration directory: account
// credentials, the vendor OpenVPN bundle and the shared config fragment
// with its hook scripts.
package setup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/yllada/pia-tools/common"
	"github.com/yllada/pia-tools/keyring"
)

// maxDownloadSize caps any single download.
const maxDownloadSize = 64 << 20

// Config lists the target directory and the vendor downloads.
type Config struct {
	Dir       string
	BundleURL string
	CommonURL string
	UpURL     string
	DownURL   string
	Timeout   time.Duration
}

// CredentialSaver persists the PIA account.
type CredentialSaver interface {
	Save(c keyring.Credentials) error
}

// Installer runs the setup steps.
type Installer struct {
	cfg   Config
	creds CredentialSaver
	http  *http.Client
}

// NewInstaller creates an installer.
func NewInstaller(cfg Config, creds CredentialSaver) *Installer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = common.HTTPTimeout
	}
	return &Installer{
		cfg:   cfg,
		creds: creds,
		http:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Run stores the credentials, installs the vendor bundle and patches the
// exit point configs.
func (i *Installer) Run(ctx context.Context, c keyring.Credentials) error {
	if err := common.EnsureDir(i.cfg.Dir); err != nil {
		return err
	}
	if err := i.creds.Save(c); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	common.LogInfo("Downloading %s", i.cfg.BundleURL)
	bundle, err := i.download(ctx, i.cfg.BundleURL)
	if err != nil {
		return err
	}
	n, err := ExtractZip(bundle, i.cfg.Dir)
	if err != nil {
		return err
	}
	common.LogInfo("Extracted %d files to %s", n, i.cfg.Dir)

	return i.EditConfigs(ctx)
}

// EditConfigs normalizes the exit point file names and appends the shared
// fragment to each of them.
func (i *Installer) EditConfigs(ctx context.Context) error {
	if err := RenameConfigs(i.cfg.Dir); err != nil {
		return err
	}
	if err := i.EnsureSupportFiles(ctx); err != nil {
		return err
	}
	return AppendCommon(i.cfg.Dir)
}

// EnsureSupportFiles downloads pia_common, pia-up and pia-down when missing.
func (i *Installer) EnsureSupportFiles(ctx context.Context) error {
	files := []struct {
		name string
		url  string
		mode os.FileMode
	}{
		{common.CommonFileName, i.cfg.CommonURL, 0644},
		{common.UpScriptName, i.cfg.UpURL, 0755},
		{common.DownScriptName, i.cfg.DownURL, 0755},
	}

	for _, f := range files {
		path := filepath.Join(i.cfg.Dir, f.name)
		if common.FileExists(path) {
			if err := os.Chmod(path, f.mode); err != nil {
				return err
			}
			continue
		}

		common.LogInfo("Downloading %s to %s", f.url, path)
		data, err := i.download(ctx, f.url)
		if err != nil {
			return err
		}
		if err := common.WriteFileAtomic(path, data, f.mode); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := i.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: %s", common.ErrDownloadFailed, url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDownloadFailed, err)
	}
	if len(data) > maxDownloadSize {
		return nil, fmt.Errorf("%w: %s is too large", common.ErrDownloadFailed, url)
	}
	return data, nil
}

// ExtractZip unpacks an archive into dir and returns the number of files
// written. Entries escaping dir and non-regular files are rejected before
// anything is written.
func ExtractZip(data []byte, dir string) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	// a reader returned alongside an error carries insecure names, which
	// the checks below reject one by one
	if zr == nil {
		return 0, fmt.Errorf("%w: %v", common.ErrDownloadFailed, err)
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return 0, err
	}

	for _, f := range zr.File {
		if _, err := entryPath(root, f.Name); err != nil {
			return 0, err
		}
		if mode := f.Mode(); !mode.IsDir() && !mode.IsRegular() {
			return 0, fmt.Errorf("%w: %s is not a regular file", common.ErrUnsafeArchive, f.Name)
		}
	}

	n := 0
	for _, f := range zr.File {
		target, _ := entryPath(root, f.Name)
		if f.Mode().IsDir() {
			if err := common.EnsureDir(target); err != nil {
				return n, err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func entryPath(root, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: absolute path %s", common.ErrUnsafeArchive, name)
	}
	target := filepath.Join(root, name)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes %s", common.ErrUnsafeArchive, name, root)
	}
	return target, nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxDownloadSize+1))
	if err != nil {
		return err
	}
	if len(data) > maxDownloadSize {
		return fmt.Errorf("%w: %s is too large", common.ErrUnsafeArchive, f.Name)
	}
	return common.WriteFileAtomic(target, data, 0644)
}

// RenameConfigs replaces spaces in exit point file names by underscores.
func RenameConfigs(dir string) error {
	for _, name := range ovpnFiles(dir) {
		renamed := strings.ReplaceAll(name, " ", "_")
		if renamed == name {
			continue
		}
		common.LogDebug("Rename %s to %s", name, renamed)
		if err := os.Rename(filepath.Join(dir, name), filepath.Join(dir, renamed)); err != nil {
			return err
		}
	}
	return nil
}

// AppendCommon appends the pia_common fragment to every exit point config
// that does not contain it yet.
func AppendCommon(dir string) error {
	fragment, err := os.ReadFile(filepath.Join(dir, common.CommonFileName))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", common.CommonFileName, err)
	}
	if len(bytes.TrimSpace(fragment)) == 0 {
		return nil
	}

	for _, name := range ovpnFiles(dir) {
		path := filepath.Join(dir, name)
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if bytes.Contains(content, fragment) {
			continue
		}

		common.LogDebug("Append common section to %s", name)
		if len(content) > 0 && content[len(content)-1] != '\n' {
			content = append(content, '\n')
		}
		content = append(content, fragment...)
		if err := common.WriteFileAtomic(path, content, 0644); err != nil {
			return err
		}
	}
	return nil
}

func ovpnFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), common.OVPNExtension) {
			names = append(names, e.Name())
		}
	}
	return names
}
