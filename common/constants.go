// Package common provides shared constants, types, and utilities
// used across pia-tools.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "pia-tools"
	// DefaultConfigFile is where the YAML configuration is looked up.
	DefaultConfigFile = "/etc/pia-tools/config.yaml"
	// DefaultLockFile guards against concurrent invocations.
	DefaultLockFile = "/run/pia-tools.lock"
)

// Files kept in the PIA configuration directory.
const (
	// DefaultPIAConfigDir holds the vendor OpenVPN configs and cached state.
	DefaultPIAConfigDir = "/etc/openvpn/pia"

	PasswdFileName   = "passwd"
	ClientIDFileName = "clientid"
	PortFwdFileName  = "portfwd"
	CommonFileName   = "pia_common"
	UpScriptName     = "pia-up"
	DownScriptName   = "pia-down"

	// OVPNExtension marks an exit point configuration file.
	OVPNExtension = ".ovpn"
)

// Service manager naming.
const (
	// DefaultUnitPrefix is the template unit prefix: pia@<EXIT_POINT>.service.
	DefaultUnitPrefix = "pia"
	// ServiceSuffix is appended to bare unit names.
	ServiceSuffix = ".service"
)

// OpenVPN log markers.
const (
	// InitCompletedMessage is logged by openvpn once the tunnel is up.
	InitCompletedMessage = "Initialization Sequence Completed"
)

// Default timeouts and intervals.
const (
	// ConnectionTimeout is the maximum time to wait for a tunnel to come up.
	ConnectionTimeout = 2 * time.Minute
	// JournalPollInterval is how often the journal is re-read while waiting.
	JournalPollInterval = 1 * time.Second
	// WatchInterval is the default pause between two reconciliation passes.
	WatchInterval = 60 * time.Second
	// ConnectivityTimeout bounds a single connectivity probe attempt.
	ConnectivityTimeout = 2 * time.Second
	// ConnectivityRetries is the number of extra probe attempts.
	ConnectivityRetries = 2
	// LockTimeout bounds lock acquisition for one-shot commands.
	LockTimeout = 10 * time.Second
	// LockRetryDelay is how often lock acquisition is retried.
	LockRetryDelay = 500 * time.Millisecond
	// UnitJobTimeout bounds a single start/stop job.
	UnitJobTimeout = 90 * time.Second
	// HTTPTimeout bounds requests to remote APIs and downloads.
	HTTPTimeout = 30 * time.Second
)

// Remote endpoints.
const (
	DefaultConnectivityURL = "https://httpbin.org/status/200"
	DefaultPortForwardURL  = "https://www.privateinternetaccess.com/vpninfo/port_forward_assignment"
	DefaultBundleURL       = "https://www.privateinternetaccess.com/openvpn/openvpn.zip"
	DefaultCommonURL       = "https://raw.githubusercontent.com/pschmitt/pia-tools/master/pia_common"
	DefaultUpScriptURL     = "https://raw.githubusercontent.com/pschmitt/pia-tools/master/pia-up"
	DefaultDownScriptURL   = "https://raw.githubusercontent.com/pschmitt/pia-tools/master/pia-down"
)

// Transmission defaults.
const (
	DefaultTransmissionHost = "127.0.0.1"
	DefaultTransmissionPort = 9091
)

// Process exit codes.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitNoConnectivity = 3
	ExitVPNDown        = 4
)
