package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yllada/pia-tools/common"
	"github.com/yllada/pia-tools/keyring"
	"github.com/yllada/pia-tools/setup"
	"github.com/yllada/pia-tools/vpn"
)

func newSetupCmd(app *App) *cobra.Command {
	var creds keyring.Credentials
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download the config files and setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := app.lock(ctx, false)
			if err != nil {
				return err
			}
			defer l.Release()

			c, err := setup.PromptCredentials(app.In, app.Out, creds)
			if err != nil {
				return err
			}

			s := app.cfg.Setup
			inst := setup.NewInstaller(setup.Config{
				Dir:       app.cfg.ConfigDir,
				BundleURL: s.BundleURL,
				CommonURL: s.CommonURL,
				UpURL:     s.UpURL,
				DownURL:   s.DownURL,
			}, app.credentials())
			if err := inst.Run(ctx, c); err != nil {
				return err
			}

			names, err := vpn.NewCatalog(app.cfg.ConfigDir).Available()
			if err != nil {
				return err
			}
			app.printer().Positive("Setup complete. %d exit points available in %s", len(names), app.cfg.ConfigDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&creds.Username, "username", "u", "", "PIA username")
	cmd.Flags().StringVarP(&creds.Password, "password", "p", "", "PIA password")
	return cmd
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Get status information",
		Long: `Report whether the VPN is up and traffic flows through it.
Exit status is 3 when the VPN is up without connectivity and 4 when it is down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			p := app.printer()
			state, err := s.manager.State(ctx)
			if err != nil {
				return err
			}
			if !state.Active {
				p.Negative("VPN connection is down")
				return common.SilentExit(common.ExitVPNDown, common.ErrNotConnected)
			}

			p.Positive("PIA is running fine. Exit point: %s", withFlag(state.ExitPoint))
			if port, err := app.forwarder(s.manager).CachedPort(); err == nil && port > 0 {
				p.Positive("Forwarded port: %d", port)
			}

			if _, err := app.connectivity().Probe(ctx); err != nil {
				p.Negative("No internet connectivity")
				return common.SilentExit(common.ExitNoConnectivity, err)
			}
			p.Positive("Connectivity is up")
			return nil
		},
	}
}

func withFlag(exitPoint string) string {
	if f := Flag(exitPoint); f != "" {
		return f + " " + exitPoint
	}
	return exitPoint
}

func newStartCmd(app *App) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "start EXIT_POINT",
		Short: "Start VPN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := app.lock(ctx, false)
			if err != nil {
				return err
			}
			defer l.Release()

			s, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			exitPoint := args[0]
			if err := s.manager.Connect(ctx, exitPoint, vpn.ConnectOptions{Wait: wait}); err != nil {
				if errors.Is(err, common.ErrUnknownExitPoint) {
					app.printer().Negative("%v", err)
					return common.SilentExit(common.ExitFailure, err)
				}
				return err
			}
			if wait {
				app.printer().Positive("Connected to %s", withFlag(exitPoint))
			} else {
				app.printer().Positive("Started %s", s.manager.UnitName(exitPoint))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for connection to be established")
	return cmd
}

func newStopCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop VPN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := app.lock(ctx, false)
			if err != nil {
				return err
			}
			defer l.Release()

			s, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.manager.Stop(ctx); err != nil {
				if errors.Is(err, common.ErrNotConnected) {
					fmt.Fprintln(app.Err, "PIA NOT RUNNING")
					return common.SilentExit(common.ExitFailure, err)
				}
				return err
			}
			return nil
		},
	}
}

func newPortFwdCmd(app *App) *cobra.Command {
	var newPort, updateTransmission bool
	cmd := &cobra.Command{
		Use:   "port-fwd",
		Short: "Port forwarding setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := app.lock(ctx, false)
			if err != nil {
				return err
			}
			defer l.Release()

			s, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			port, err := app.forwarder(s.manager).Forward(ctx, newPort, updateTransmission)
			if err != nil {
				return err
			}
			fmt.Fprintln(app.Out, port)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&newPort, "new-port", "n", false, "Request a new port")
	cmd.Flags().BoolVarP(&updateTransmission, "update-transmission-port", "t", false, "Update transmission's peer port")
	return cmd
}

// targetFlags are shared by check and watch.
type targetFlags struct {
	exitPoint          string
	portForward        bool
	updateTransmission bool
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.exitPoint, "exit-point", "e", "", "Exit point to connect to")
	cmd.Flags().BoolVarP(&f.portForward, "port-fwd", "p", false, "Request port forwarding")
	cmd.Flags().BoolVarP(&f.updateTransmission, "update-transmission-port", "t", false, "Update transmission's peer port")
	_ = cmd.MarkFlagRequired("exit-point")
}

func (f *targetFlags) target(daemons []string) vpn.Target {
	return vpn.Target{
		ExitPoint:          f.exitPoint,
		Daemons:            daemons,
		PortForward:        f.portForward,
		UpdateTransmission: f.updateTransmission,
	}
}

func newCheckCmd(app *App) *cobra.Command {
	var flags targetFlags
	cmd := &cobra.Command{
		Use:   "check -e EXIT_POINT [DAEMON...]",
		Short: "Check the state of the VPN",
		Long: `Connect to the exit point when the VPN is down or elsewhere, reconnect
when connectivity is lost, and keep DAEMONs running only while the VPN is up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := app.lock(ctx, false)
			if err != nil {
				return err
			}
			defer l.Release()

			s, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			r := vpn.NewReconciler(s.manager, app.connectivity(), app.forwarder(s.manager), nil)
			res, err := r.Check(ctx, flags.target(args))
			if err != nil {
				return err
			}
			common.LogDebug("Check result: %+v", res)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newWatchCmd(app *App) *cobra.Command {
	var flags targetFlags
	var interval int
	cmd := &cobra.Command{
		Use:   "watch -e EXIT_POINT [DAEMON...]",
		Short: "Watch the state of the VPN",
		Long: `Run check repeatedly until interrupted. Meant to run as a systemd
service: it reports readiness, status and watchdog pings through sd_notify.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if interval < 0 {
				return fmt.Errorf("%w: interval must not be negative", common.ErrInvalidConfig)
			}
			every := app.cfg.WatchInterval
			if interval > 0 {
				every = time.Duration(interval) * time.Second
			}

			l, err := app.lock(ctx, true)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			defer l.Release()

			s, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			r := vpn.NewReconciler(s.manager, app.connectivity(), app.forwarder(s.manager), app.notifier)
			return r.Watch(ctx, flags.target(args), every)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVarP(&interval, "interval", "i", 0, "Watch interval (in seconds)")
	return cmd
}

func newListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available exit points",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := vpn.NewCatalog(app.cfg.ConfigDir).Available()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(app.Out, n)
			}
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	var write string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if write != "" {
				if err := app.cfg.Save(write); err != nil {
					return err
				}
				app.printer().Positive("Configuration written to %s", write)
				return nil
			}
			shown := *app.cfg
			if shown.Transmission.Password != "" {
				shown.Transmission.Password = "********"
			}
			data, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			_, err = app.Out.Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&write, "write", "", "write the effective configuration to this file")
	return cmd
}

func newVersionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			v := app.Version
			fmt.Fprintf(app.Out, "%s %s\n", common.AppName, v.Version)
			if v.Commit != "" && v.Commit != "unknown" {
				fmt.Fprintf(app.Out, "  Build:  %s\n", v.Built)
				fmt.Fprintf(app.Out, "  Commit: %s\n", v.Commit)
			}
		},
	}
}
