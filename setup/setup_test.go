package setup

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/pia-tools/common"
	"github.com/yllada/pia-tools/keyring"
)

const commonFragment = "auth-user-pass /etc/openvpn/pia/passwd\nscript-security 2\nup /etc/openvpn/pia/pia-up\n"

type zipEntry struct {
	name string
	body string
	mode os.FileMode
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		mode := e.mode
		if mode == 0 {
			mode = 0644
		}
		hdr.SetMode(mode)
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	data := buildZip(t,
		zipEntry{name: "US East.ovpn", body: "client\n"},
		zipEntry{name: "ca.rsa.2048.crt", body: "-----BEGIN CERTIFICATE-----\n"},
		zipEntry{name: "extra/", mode: os.ModeDir | 0755},
		zipEntry{name: "extra/readme.txt", body: "hi"},
	)

	n, err := ExtractZip(data, dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := os.ReadFile(filepath.Join(dir, "US East.ovpn"))
	require.NoError(t, err)
	assert.Equal(t, "client\n", string(got))
	assert.FileExists(t, filepath.Join(dir, "extra", "readme.txt"))
}

func TestExtractZip_RejectsUnsafeEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry zipEntry
	}{
		{"parent traversal", zipEntry{name: "../evil.ovpn", body: "x"}},
		{"nested traversal", zipEntry{name: "a/../../evil", body: "x"}},
		{"absolute", zipEntry{name: "/etc/passwd", body: "x"}},
		{"symlink", zipEntry{name: "link", body: "/etc/shadow", mode: os.ModeSymlink | 0777}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := t.TempDir()
			dir := filepath.Join(parent, "pia")
			require.NoError(t, os.Mkdir(dir, 0755))

			data := buildZip(t, zipEntry{name: "ok.ovpn", body: "client\n"}, tt.entry)
			_, err := ExtractZip(data, dir)
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrUnsafeArchive)

			assert.NoFileExists(t, filepath.Join(dir, "ok.ovpn"), "nothing is written")
			assert.NoFileExists(t, filepath.Join(parent, "evil.ovpn"))
		})
	}
}

func TestExtractZip_NotAZip(t *testing.T) {
	_, err := ExtractZip([]byte("<html>maintenance</html>"), t.TempDir())
	assert.ErrorIs(t, err, common.ErrDownloadFailed)
}

func TestRenameConfigs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"US East.ovpn", "CA Toronto.ovpn", "UK_London.ovpn", "read me.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("client\n"), 0644))
	}

	require.NoError(t, RenameConfigs(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"US_East.ovpn", "CA_Toronto.ovpn", "UK_London.ovpn", "read me.txt"}, names)
}

func TestAppendCommon(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, common.CommonFileName), []byte(commonFragment), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "US_East.ovpn"), []byte("client\nremote us-east 1198"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CA_Toronto.ovpn"), []byte("client\n"+commonFragment), 0644))

	require.NoError(t, AppendCommon(dir))
	require.NoError(t, AppendCommon(dir))

	us, err := os.ReadFile(filepath.Join(dir, "US_East.ovpn"))
	require.NoError(t, err)
	assert.Equal(t, "client\nremote us-east 1198\n"+commonFragment, string(us))
	assert.Equal(t, 1, strings.Count(string(us), commonFragment))

	ca, err := os.ReadFile(filepath.Join(dir, "CA_Toronto.ovpn"))
	require.NoError(t, err)
	assert.Equal(t, "client\n"+commonFragment, string(ca))
}

func TestAppendCommon_MissingFragment(t *testing.T) {
	assert.Error(t, AppendCommon(t.TempDir()))
}

type memSaver struct {
	saved []keyring.Credentials
}

func (m *memSaver) Save(c keyring.Credentials) error {
	m.saved = append(m.saved, c)
	return nil
}

// vendorServer serves the bundle and support files and counts hits per path.
func vendorServer(t *testing.T, bundle []byte) (*httptest.Server, map[string]int, *sync.Mutex) {
	t.Helper()
	hits := map[string]int{}
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		switch r.URL.Path {
		case "/openvpn.zip":
			_, _ = w.Write(bundle)
		case "/pia_common":
			_, _ = w.Write([]byte(commonFragment))
		case "/pia-up":
			_, _ = w.Write([]byte("#!/bin/sh\necho up\n"))
		case "/pia-down":
			_, _ = w.Write([]byte("#!/bin/sh\necho down\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, hits, &mu
}

func testConfig(dir, base string) Config {
	return Config{
		Dir:       dir,
		BundleURL: base + "/openvpn.zip",
		CommonURL: base + "/pia_common",
		UpURL:     base + "/pia-up",
		DownURL:   base + "/pia-down",
	}
}

func TestInstaller_Run(t *testing.T) {
	bundle := buildZip(t,
		zipEntry{name: "US East.ovpn", body: "client\nremote us-east 1198\n"},
		zipEntry{name: "UK London.ovpn", body: "client\nremote uk-london 1198\n"},
		zipEntry{name: "crl.rsa.2048.pem", body: "crl"},
	)
	srv, hits, _ := vendorServer(t, bundle)

	dir := filepath.Join(t.TempDir(), "pia")
	saver := &memSaver{}
	inst := NewInstaller(testConfig(dir, srv.URL), saver)

	creds := keyring.Credentials{Username: "p1", Password: "pw"}
	require.NoError(t, inst.Run(context.Background(), creds))

	assert.Equal(t, []keyring.Credentials{creds}, saver.saved)

	us, err := os.ReadFile(filepath.Join(dir, "US_East.ovpn"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(us), commonFragment))
	assert.FileExists(t, filepath.Join(dir, "UK_London.ovpn"))
	assert.NoFileExists(t, filepath.Join(dir, "US East.ovpn"))

	for _, script := range []string{common.UpScriptName, common.DownScriptName} {
		info, err := os.Stat(filepath.Join(dir, script))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0755), info.Mode().Perm(), script)
	}
	down, err := os.ReadFile(filepath.Join(dir, common.DownScriptName))
	require.NoError(t, err)
	assert.Contains(t, string(down), "echo down")

	// support files are not fetched again
	require.NoError(t, inst.EditConfigs(context.Background()))
	assert.Equal(t, 1, hits["/pia_common"])
	assert.Equal(t, 1, hits["/pia-up"])
}

func TestInstaller_DownloadFailure(t *testing.T) {
	srv, _, _ := vendorServer(t, nil)
	cfg := testConfig(t.TempDir(), srv.URL)
	cfg.BundleURL = srv.URL + "/missing.zip"

	err := NewInstaller(cfg, &memSaver{}).Run(context.Background(), keyring.Credentials{Username: "p1", Password: "pw"})
	assert.ErrorIs(t, err, common.ErrDownloadFailed)
}

func TestPromptCredentials(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		given   keyring.Credentials
		want    keyring.Credentials
		wantErr bool
	}{
		{
			name:  "both prompted",
			input: "p1\nsecret\n",
			want:  keyring.Credentials{Username: "p1", Password: "secret"},
		},
		{
			name:  "username given",
			input: "secret",
			given: keyring.Credentials{Username: "p1"},
			want:  keyring.Credentials{Username: "p1", Password: "secret"},
		},
		{
			name:  "nothing to ask",
			given: keyring.Credentials{Username: "p1", Password: "pw"},
			want:  keyring.Credentials{Username: "p1", Password: "pw"},
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "empty password",
			input:   "p1\n\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := PromptCredentials(strings.NewReader(tt.input), &out, tt.given)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
