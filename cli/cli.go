// Package cli provides the pia command line interface.
// Every subcommand is a thin layer over the vpn, portfwd and setup
// packages; exit codes are carried by common.ExitError.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/pia-tools/common"
	"github.com/yllada/pia-tools/config"
	"github.com/yllada/pia-tools/keyring"
	"github.com/yllada/pia-tools/portfwd"
	"github.com/yllada/pia-tools/systemd"
	"github.com/yllada/pia-tools/transmission"
	"github.com/yllada/pia-tools/vpn"
)

// VersionInfo is injected at build time.
type VersionInfo struct {
	Version string
	Commit  string
	Built   string
}

// Services is a service manager connection.
type Services interface {
	vpn.ServiceManager
	Close()
}

// App holds what the commands share.
type App struct {
	In      io.Reader
	Out     io.Writer
	Err     io.Writer
	Version VersionInfo

	configPath string
	verbose    bool
	cfg        *config.Config

	dialServices func(ctx context.Context) (Services, error)
	journal      vpn.JournalReader
	notifier     vpn.Notifier
	probe        vpn.Connectivity
	peer         portfwd.PeerPortSetter
	lockTimeout  time.Duration
}

// New creates an App wired to the system: D-Bus, journalctl and sd_notify.
func New(version VersionInfo) *App {
	return &App{
		In:           os.Stdin,
		Out:          os.Stdout,
		Err:          os.Stderr,
		Version:      version,
		dialServices: dialSystemd,
		journal:      systemd.NewJournal(),
		notifier:     systemd.NewNotifier(),
		lockTimeout:  common.LockTimeout,
	}
}

func dialSystemd(ctx context.Context) (Services, error) {
	m, err := systemd.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewRootCommand builds the command tree.
func NewRootCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pia",
		Short: "Manage Private Internet Access tunnels run by systemd",
		Long: `pia drives pia@<EXIT_POINT>.service units, checks that traffic
flows through the tunnel and keeps a forwarded port assigned to
Transmission.`,
		Version:       app.Version.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init()
		},
	}
	cmd.SetIn(app.In)
	cmd.SetOut(app.Out)
	cmd.SetErr(app.Err)

	cmd.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (default is "+common.DefaultConfigFile+")")
	cmd.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newSetupCmd(app),
		newStatusCmd(app),
		newStartCmd(app),
		newStopCmd(app),
		newPortFwdCmd(app),
		newCheckCmd(app),
		newWatchCmd(app),
		newListCmd(app),
		newConfigCmd(app),
		newVersionCmd(app),
	)
	return cmd
}

// init loads the configuration and applies the logging settings.
func (a *App) init() error {
	if a.cfg == nil {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}

	level := common.LevelInfo
	if a.verbose {
		level = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:       level,
		FilePath:    a.cfg.Log.File,
		MaxFileSize: a.cfg.Log.MaxSize,
		MaxBackups:  a.cfg.Log.MaxBackups,
	}); err != nil {
		common.LogWarn("Could not initialize file logging: %v", err)
	}
	return nil
}

func (a *App) printer() *printer {
	return newPrinter(a.Out, a.Err)
}

// session is an open service manager connection with a VPN manager on top.
type session struct {
	services Services
	manager  *vpn.Manager
}

func (s *session) Close() {
	s.services.Close()
}

func (a *App) open(ctx context.Context) (*session, error) {
	services, err := a.dialServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	m := vpn.NewManager(services, a.journal, vpn.NewCatalog(a.cfg.ConfigDir), vpn.Options{
		UnitPrefix:     a.cfg.UnitPrefix,
		ConnectTimeout: a.cfg.ConnectTimeout,
		PollInterval:   a.cfg.PollInterval,
	})
	return &session{services: services, manager: m}, nil
}

// lock takes the instance lock. wait disables the timeout.
func (a *App) lock(ctx context.Context, wait bool) (*instanceLock, error) {
	timeout := a.lockTimeout
	if wait {
		timeout = 0
	}
	return acquireLock(ctx, a.cfg.LockFile, timeout)
}

func (a *App) connectivity() vpn.Connectivity {
	if a.probe != nil {
		return a.probe
	}
	return vpn.NewProber(vpn.ProbeConfig{
		URL:     a.cfg.Connectivity.URL,
		Timeout: a.cfg.Connectivity.Timeout,
		Retries: a.cfg.Connectivity.Retries,
	})
}

func (a *App) credentials() *keyring.Resolver {
	var system *keyring.SystemStore
	if a.cfg.Credentials.Keyring {
		system = keyring.NewSystemStore()
	}
	return keyring.NewResolver(keyring.NewFileStore(a.cfg.Path(common.PasswdFileName)), system)
}

func (a *App) peerPortSetter() portfwd.PeerPortSetter {
	if a.peer != nil {
		return a.peer
	}
	t := a.cfg.Transmission
	return transmission.NewClient(transmission.Config{
		Host:     t.Host,
		Port:     t.Port,
		Username: t.Username,
		Password: t.Password,
	})
}

func (a *App) forwarder(m *vpn.Manager) *portfwd.Forwarder {
	return portfwd.NewForwarder(
		m,
		portfwd.NewClient(a.cfg.PortForward.URL, 0),
		a.credentials(),
		portfwd.NewClientIDStore(a.cfg.Path(common.ClientIDFileName)),
		a.cfg.Path(common.PortFwdFileName),
		a.peerPortSetter(),
	)
}
