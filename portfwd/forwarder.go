package portfwd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/yllada/pia-tools/common"
	"github.com/yllada/pia-tools/keyring"
)

// Tunnel is the running VPN.
type Tunnel interface {
	Active(ctx context.Context) (bool, error)
	Device(ctx context.Context) (string, error)
}

// CredentialSource provides the PIA account.
type CredentialSource interface {
	Credentials() (keyring.Credentials, error)
}

// PeerPortSetter is told about the assigned port.
type PeerPortSetter interface {
	PeerPort(ctx context.Context) (int, error)
	SetPeerPort(ctx context.Context, port int) error
}

// Forwarder requests a port for the tunnel and records it.
type Forwarder struct {
	tunnel   Tunnel
	client   *Client
	creds    CredentialSource
	ids      *ClientIDStore
	portFile string
	peer     PeerPortSetter

	interfaceIP func(name string) (string, error)
}

// NewForwarder creates a port forwarder. peer may be nil.
func NewForwarder(tunnel Tunnel, client *Client, creds CredentialSource, ids *ClientIDStore, portFile string, peer PeerPortSetter) *Forwarder {
	return &Forwarder{
		tunnel:      tunnel,
		client:      client,
		creds:       creds,
		ids:         ids,
		portFile:    portFile,
		peer:        peer,
		interfaceIP: InterfaceIP,
	}
}

// Forward requests a port. newPort renews the client id so the API hands
// out a different port. updatePeer pushes the port to the PeerPortSetter.
func (f *Forwarder) Forward(ctx context.Context, newPort, updatePeer bool) (int, error) {
	active, err := f.tunnel.Active(ctx)
	if err != nil {
		return 0, err
	}
	if !active {
		return 0, fmt.Errorf("PIA service is NOT running: %w", common.ErrNotConnected)
	}

	dev, err := f.tunnel.Device(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not determine VPN device: %w", err)
	}
	localIP, err := f.interfaceIP(dev)
	if err != nil {
		return 0, fmt.Errorf("could not determine address of %s: %w", dev, err)
	}

	clientID, err := f.ids.Get(newPort)
	if err != nil {
		return 0, err
	}
	creds, err := f.creds.Credentials()
	if err != nil {
		return 0, err
	}

	port, err := f.client.Request(ctx, Request{
		User:     creds.Username,
		Pass:     creds.Password,
		LocalIP:  localIP,
		ClientID: clientID,
	})
	if err != nil {
		return 0, err
	}
	common.LogInfo("Assigned port: %d", port)

	if err := common.WriteFileAtomic(f.portFile, []byte(strconv.Itoa(port)), 0644); err != nil {
		return port, fmt.Errorf("failed to save port: %w", err)
	}

	if updatePeer {
		if f.peer == nil {
			return port, errors.New("no peer port consumer configured")
		}
		if err := f.updatePeer(ctx, port); err != nil {
			return port, err
		}
	}
	return port, nil
}

func (f *Forwarder) updatePeer(ctx context.Context, port int) error {
	current, err := f.peer.PeerPort(ctx)
	if err != nil {
		common.LogDebug("Could not read current peer port: %v", err)
	} else if current == port {
		common.LogInfo("Peer port is already %d", port)
		return nil
	}
	return f.peer.SetPeerPort(ctx, port)
}

// CachedPort returns the last assigned port, 0 when none was recorded.
func (f *Forwarder) CachedPort() (int, error) {
	return ReadPortFile(f.portFile)
}

// ReadPortFile parses a port file. A missing file yields 0.
func ReadPortFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("malformed port file %s: %w", path, err)
	}
	return port, nil
}
