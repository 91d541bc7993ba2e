// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command mavbridge runs the ground-control communications bridge: one
// serial autopilot link and two UDP legs with active/standby failover,
// forwarding MAVLink frames between whichever leg is currently elected.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mavbridge/internal/autoconnect"
	"mavbridge/internal/bridge"
	"mavbridge/internal/chanalloc"
	"mavbridge/internal/config"
	"mavbridge/internal/diagnostics"
	"mavbridge/internal/linkhandle"
	"mavbridge/internal/mavlink"
	"mavbridge/internal/pipeline"
	"mavbridge/internal/registry"
	"mavbridge/internal/transport"
)

var (
	configPath     string
	verbose        bool
	primaryPort    uint16
	secondaryPort  uint16
	peerHost       string
	peerPort       uint16
	debounceMillis int
	logDir         string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mavbridge",
		Short: "Ground-control MAVLink communications bridge",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "mavbridge.ini", "link configuration store path")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))
	viper.SetEnvPrefix("MAVBRIDGE")
	viper.AutomaticEnv()

	root.AddCommand(runCmd())
	root.AddCommand(configExportCmd())
	root.AddCommand(configImportCmd())
	return root
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bridge and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge()
		},
	}
	cmd.Flags().Uint16Var(&primaryPort, "primary-port", 14560, "primary UDP local port")
	cmd.Flags().Uint16Var(&secondaryPort, "secondary-port", 14561, "secondary UDP local port")
	cmd.Flags().StringVar(&peerHost, "peer-host", "", "remote peer host seeded into the default configuration")
	cmd.Flags().Uint16Var(&peerPort, "peer-port", 14550, "remote peer port seeded into the default configuration")
	cmd.Flags().IntVar(&debounceMillis, "autoconnect-debounce-ms", 3000, "stability window before the autoconnect probe dials a newly seen board")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "optional directory for a per-session forwarded-frame log (disabled if empty)")
	return cmd
}

func configExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "config-export",
		Short: "Export the link configuration store as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgs, err := config.Load(viper.GetString("config"))
			if err != nil {
				return err
			}
			data, err := config.ExportJSON(cfgs)
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Println(string(data))
				return nil
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (default: stdout)")
	return cmd
}

func configImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config-import <file>",
		Short: "Import a JSON link configuration export into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			cfgs, err := config.ImportJSON(data)
			if err != nil {
				return err
			}
			return config.Save(viper.GetString("config"), cfgs)
		},
	}
	return cmd
}

// runBridge wires the full DAG: channel allocator → registry → bridge →
// pipeline, with the autoconnect probe feeding the registry from the
// side.
func runBridge() error {
	if viper.GetBool("verbose") {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	path := viper.GetString("config")

	cfgs, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading link config: %w", err)
	}
	if len(cfgs) == 0 {
		cfgs = defaultConfigs()
	}

	alloc := chanalloc.New()
	codec := mavlink.NewCodec()
	reg := registry.New(alloc, codec)

	for _, c := range cfgs {
		if _, err := reg.CreateConnectedLink(c); err != nil {
			slog.Error("failed to create configured link", "name", config.NameOf(c), "error", err)
		}
	}

	primaryHandle := reg.ByRole(config.RolePrimaryUDP)
	secondaryHandle := reg.ByRole(config.RoleSecondaryUDP)
	if primaryHandle == nil || secondaryHandle == nil {
		return fmt.Errorf("configuration must define both a primary-udp and a secondary-udp link")
	}

	ctrl := bridge.New(reg, primaryHandle, secondaryHandle)
	pipe := pipeline.New(reg, codec, ctrl.Primary)
	pipe.Subscribe(ctrl.MessageReceived)

	var frameLogger *diagnostics.FrameLogger
	if logDir != "" {
		frameLogger = diagnostics.NewFrameLogger(logDir)
		pipe.Subscribe(frameLogger.LogFrame)
	}

	for _, h := range reg.All() {
		wireLinkEvents(h, pipe)
	}

	probe := autoconnect.New(reg, time.Duration(debounceMillis)*time.Millisecond)
	probe.Start()
	ctrl.Start()
	slog.Info("bridge started", "config", path, "primary", primaryHandle.Config, "secondary", secondaryHandle.Config)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	probe.Stop()
	ctrl.Stop()
	reg.DisconnectAll(3 * time.Second)
	if frameLogger != nil {
		frameLogger.Close()
	}

	if err := config.Save(path, reg.SaveableConfigs()); err != nil {
		slog.Error("failed to save link config on shutdown", "error", err)
	}
	return nil
}

// wireLinkEvents feeds h's received bytes into the pipeline byte-by-byte,
// one goroutine per link, and logs the titled communication errors the
// registry reports for it.
func wireLinkEvents(h *linkhandle.Handle, pipe *pipeline.Pipeline) {
	go func() {
		for ev := range h.Events() {
			if ev.Kind == transport.EventBytesReceived {
				for _, b := range ev.Data {
					pipe.FeedByte(h, b)
				}
			}
		}
	}()
	go func() {
		for ce := range h.CommunicationErrors() {
			slog.Warn(ce.Title, "name", config.NameOf(h.Config), "detail", ce.Detail)
		}
	}()
}

func defaultConfigs() []config.LinkConfig {
	primary := &config.UDPConfig{
		Common:    config.Common{Name: "primary", Role: config.RolePrimaryUDP},
		LocalPort: primaryPort,
	}
	secondary := &config.UDPConfig{
		Common:    config.Common{Name: "secondary", Role: config.RoleSecondaryUDP},
		LocalPort: secondaryPort,
	}
	if peerHost != "" {
		_ = primary.AddHost(fmt.Sprintf("%s:%d", peerHost, peerPort))
	}
	return []config.LinkConfig{primary, secondary}
}
