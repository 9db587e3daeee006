package systemd

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/yllada/pia-tools/common"
)

// Notifier reports service state to systemd when running as a notify unit.
// Outside systemd every call is a no-op.
type Notifier struct {
	send func(state string) (bool, error)
}

// NewNotifier returns a notifier using NOTIFY_SOCKET.
func NewNotifier() *Notifier {
	return &Notifier{send: func(state string) (bool, error) {
		return daemon.SdNotify(false, state)
	}}
}

func (n *Notifier) notify(state string) {
	if n == nil || n.send == nil {
		return
	}
	if _, err := n.send(state); err != nil {
		common.LogDebug("sd_notify %q failed: %v", state, err)
	}
}

// Ready signals that startup has finished.
func (n *Notifier) Ready() { n.notify(daemon.SdNotifyReady) }

// Stopping signals shutdown.
func (n *Notifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

// Watchdog pets the service watchdog.
func (n *Notifier) Watchdog() { n.notify(daemon.SdNotifyWatchdog) }

// Status publishes a free-form status line.
func (n *Notifier) Status(msg string) { n.notify("STATUS=" + msg) }
