package transmission

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/yllada/pia-tools/common"
)

// newTestClient points a client at srv.
func newTestClient(t *testing.T, srv *httptest.Server, user, pass string) *Client {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return NewClient(Config{Host: host, Port: p, Username: user, Password: pass})
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{})
	assert.Equal(t, "http://127.0.0.1:9091/transmission/rpc", c.url)
}

func TestSetPeerPort_SessionHandshake(t *testing.T) {
	var calls atomic.Int32
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/transmission/rpc", r.URL.Path)
		if r.Header.Get(sessionIDHeader) != "abc123" {
			w.Header().Set(sessionIDHeader, "abc123")
			w.WriteHeader(http.StatusConflict)
			return
		}
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		_, _ = io.WriteString(w, `{"arguments":{},"result":"success"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "", "")
	require.NoError(t, c.SetPeerPort(context.Background(), 51413))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "session-set", gjson.Get(body, "method").String())
	assert.Equal(t, int64(51413), gjson.Get(body, "arguments.peer-port").Int())

	// the session id is reused
	require.NoError(t, c.SetPeerPort(context.Background(), 51414))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSetPeerPort_BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"result":"success"}`)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv, "admin", "hunter2").SetPeerPort(context.Background(), 1234))

	err := newTestClient(t, srv, "admin", "wrong").SetPeerPort(context.Background(), 1234)
	assert.ErrorIs(t, err, common.ErrTransmissionRPC)
}

func TestSetPeerPort_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "rpc result",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"result":"invalid argument"}`)
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "endless conflict",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set(sessionIDHeader, "again")
				w.WriteHeader(http.StatusConflict)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			err := newTestClient(t, srv, "", "").SetPeerPort(context.Background(), 51413)
			assert.ErrorIs(t, err, common.ErrTransmissionRPC)
		})
	}
}

func TestSetPeerPort_InvalidPort(t *testing.T) {
	c := NewClient(Config{})
	assert.Error(t, c.SetPeerPort(context.Background(), 0))
	assert.Error(t, c.SetPeerPort(context.Background(), 70000))
}

func TestPeerPort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"arguments":{"peer-port":40123},"result":"success"}`)
	}))
	defer srv.Close()

	port, err := newTestClient(t, srv, "", "").PeerPort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40123, port)
}
