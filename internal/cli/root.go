package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/turtacn/Vigil/internal/api"
	"github.com/turtacn/Vigil/internal/orchestrator"
	"github.com/turtacn/Vigil/internal/supervisor"
	"github.com/turtacn/Vigil/internal/upgrade"
	"github.com/turtacn/Vigil/pkg/logger"
	"github.com/turtacn/Vigil/pkg/protocol"
)

var cfgFile string

var upgradeFlags struct {
	server     bool
	packages   bool
	validate   bool
	force      bool
	packageIDs []string
}

var rootCmd = &cobra.Command{
	Use:           "vigil",
	Short:         "Vigil: dedicated game server supervisor",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Watch all configured servers and serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger.Log.Info("Booting Vigil...", "manager", cfg.Manager.ID, "profiles", len(cfg.Profiles))

		engine := orchestrator.NewEngine(cfg)

		var srv *api.Server
		if cfg.Observability.ListenAddr != "" {
			srv = api.New(cfg.Observability, engine)
			if err := srv.Start(); err != nil {
				return err
			}
		}

		runErr := engine.Run(cmd.Context())
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Log.Warn("API shutdown failed", "err", err)
			}
		}
		return runErr
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [profile...]",
	Short: "Probe servers once and print their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		engine := orchestrator.NewEngine(cfg)
		defer engine.Stop()

		states := engine.ProbeOnce(cmd.Context())
		ids := args
		if len(ids) == 0 {
			ids = engine.Profiles()
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-16s %-13s %-12s %-8s %s\n", "PROFILE", "STATUS", "AVAILABILITY", "PLAYERS", "VERSION")
		for _, id := range ids {
			st, ok := states[id]
			if !ok {
				return fmt.Errorf("unknown profile %q", id)
			}
			fmt.Fprintf(out, "%-16s %-13s %-12s %-8s %s\n", id, st.Status, st.Availability,
				fmt.Sprintf("%d/%d", st.Players, st.MaxPlayers), st.Version)
		}
		return nil
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade <profile>",
	Short: "Update the server and its packages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		engine := orchestrator.NewEngine(cfg)
		defer engine.Stop()

		opts := orchestrator.UpgradeOptions{
			UpdateServer:   upgradeFlags.server,
			UpdatePackages: upgradeFlags.packages,
			Validate:       upgradeFlags.validate,
			Force:          upgradeFlags.force,
			PackageIDs:     upgradeFlags.packageIDs,
		}
		if !opts.UpdateServer && !opts.UpdatePackages {
			opts.UpdateServer, opts.UpdatePackages = true, true
		}

		rep, err := engine.Upgrade(cmd.Context(), args[0], opts, consoleProgress(cmd.OutOrStdout()))
		if err != nil {
			return err
		}
		if !rep.Success {
			if len(rep.Failures) > 0 {
				return fmt.Errorf("%d package(s) failed to update: %w", len(rep.Failures), rep.Err)
			}
			return rep.Err
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <profile>",
	Short: "Shut a server down gracefully",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		engine := orchestrator.NewEngine(cfg)
		defer engine.Stop()
		return engine.StopServer(cmd.Context(), args[0])
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <profile> <command...>",
	Short: "Run a console command on a server",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deliver(cmd, args[0], func(e *orchestrator.Engine) (bool, error) {
			return e.Send(cmd.Context(), args[0], strings.Join(args[1:], " "))
		})
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast <profile> <message...>",
	Short: "Show a chat message to everyone on a server",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deliver(cmd, args[0], func(e *orchestrator.Engine) (bool, error) {
			return e.Broadcast(cmd.Context(), args[0], strings.Join(args[1:], " "))
		})
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask running vigil daemons to refresh package status (SIGHUP)",
	RunE: func(cmd *cobra.Command, args []string) error {
		procs, err := supervisor.ProcFS{Root: "/proc"}.ProcessesByName(rootCmd.Name())
		if err != nil {
			return err
		}
		self := os.Getpid()
		signalled := 0
		for _, p := range procs {
			if p.PID == self {
				continue
			}
			if err := unix.Kill(p.PID, unix.SIGHUP); err != nil {
				logger.Log.Warn("Failed to signal daemon", "pid", p.PID, "err", err)
				continue
			}
			signalled++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signalled %d process(es).\n", signalled)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "vigil.yaml", "config file path")

	upgradeCmd.Flags().BoolVar(&upgradeFlags.server, "server", false, "update the server files")
	upgradeCmd.Flags().BoolVar(&upgradeFlags.packages, "packages", false, "update add-on packages")
	upgradeCmd.Flags().BoolVar(&upgradeFlags.validate, "validate", false, "verify all server files")
	upgradeCmd.Flags().BoolVar(&upgradeFlags.force, "force", false, "re-download and reinstall regardless of timestamps")
	upgradeCmd.Flags().StringSliceVar(&upgradeFlags.packageIDs, "package", nil, "package id to update (repeatable); defaults to the profile's packages")

	rootCmd.AddCommand(serveCmd, statusCmd, upgradeCmd, stopCmd, sendCmd, broadcastCmd, reloadCmd)
}

func loadConfig() (*protocol.Config, error) {
	cfg, err := protocol.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	return cfg, nil
}

func deliver(cmd *cobra.Command, profile string, send func(*orchestrator.Engine) (bool, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine := orchestrator.NewEngine(cfg)
	defer engine.Stop()

	ok, err := send(engine)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("command was not delivered to %s", profile)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Delivered.")
	return nil
}

// consoleProgress renders same-line updates with a carriage return.
func consoleProgress(w io.Writer) upgrade.ProgressFunc {
	onSameLine := false
	return func(_ float64, text string, sameLine bool) {
		switch {
		case sameLine:
			fmt.Fprintf(w, "\r%s", text)
		case onSameLine:
			fmt.Fprintf(w, "\n%s\n", text)
		default:
			fmt.Fprintln(w, text)
		}
		onSameLine = sameLine
	}
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Personal.AI order the ending
