package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	logLevel string
	logJSON  bool
	dbFile   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("octorant failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "octorant",
		Short:         "Send 3D printer events to a Discord webhook",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.logLevel, opts.logJSON)
		},
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "Log as JSON instead of console output")
	root.PersistentFlags().StringVar(&opts.dbFile, "db", getDBFilePath(), "SQLite database file")

	root.AddCommand(
		newServeCommand(opts),
		newTestCommand(opts),
		newEventsCommand(opts),
		newSettingsCommand(opts),
	)
	return root
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	var (
		host       string
		port       string
		configFile string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notifier, printer monitor and web interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := OpenStore(opts.dbFile)
			if err != nil {
				return err
			}
			defer store.Close()

			if configFile != "" {
				file, err := ReadSettingsFile(configFile)
				if err != nil {
					return err
				}
				if err := ImportSettings(store, file); err != nil {
					return err
				}
			}
			if port != "" {
				if err := store.SetConfigValue(ConfigKeyWebPort, port); err != nil {
					return err
				}
			}

			service, err := NewService(store)
			if err != nil {
				return err
			}
			config := service.Config()
			if !cmd.Flags().Changed("log-level") {
				setLogLevel(config.LogLevel)
			}

			log.Info().
				Strs("printers", getPrinterNames(config)).
				Dur("poll_interval", config.PollInterval).
				Str("web", fmt.Sprintf("http://%s:%s", host, config.WebPort)).
				Bool("webhook", config.WebhookURL != "").
				Msg("Starting octorant")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = service.Serve(ctx, host, NewWebServer(service))
			log.Info().Msg("Shutting down services...")
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Web interface host")
	cmd.Flags().StringVar(&port, "port", "", "Web interface port (stored in the settings)")
	cmd.Flags().StringVar(&configFile, "config", "", "Settings file (.yaml, .toml or .json) imported at startup")
	return cmd
}

func newTestCommand(opts *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Send the test message and wait for it to be delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := OpenStore(opts.dbFile)
			if err != nil {
				return err
			}
			defer store.Close()

			service, err := NewService(store)
			if err != nil {
				return err
			}

			var status, detail string
			service.sender.OnResult(func(msg *Message, s, d string) {
				service.recordResult(msg, s, d)
				status, detail = s, d
			})

			done := make(chan struct{})
			go func() {
				defer close(done)
				service.sender.Run(context.Background())
			}()

			if !service.notifier.Test() {
				return fmt.Errorf("test message not queued: check the webhook URL")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			service.sender.Stop(ctx)
			<-done

			if status != StatusSent {
				return fmt.Errorf("test message %s: %s", status, detail)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test message sent")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 90*time.Second, "How long to wait for delivery")
	return cmd
}

func newEventsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List the notification events and their configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := OpenStore(opts.dbFile)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.GetAllEventConfigs()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCATEGORY\tENABLED\tMEDIA\tMESSAGE")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", ev.ID, ev.Category, ev.Enabled, ev.Media, ev.Message)
			}
			return w.Flush()
		},
	}
}

func newSettingsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Export or import settings",
	}

	var output string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the settings as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := OpenStore(opts.dbFile)
			if err != nil {
				return err
			}
			defer store.Close()

			data, err := ExportSettings(store)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return err
			}
			return os.WriteFile(output, data, 0o600)
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import settings from a .yaml, .toml or .json file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := OpenStore(opts.dbFile)
			if err != nil {
				return err
			}
			defer store.Close()

			file, err := ReadSettingsFile(args[0])
			if err != nil {
				return err
			}
			return ImportSettings(store, file)
		},
	}

	cmd.AddCommand(export, importCmd)
	return cmd
}

// getPrinterNames returns a slice of printer names from config
func getPrinterNames(config *Config) []string {
	names := make([]string, 0, len(config.Printers))
	for _, printer := range config.Printers {
		names = append(names, printer.Name)
	}
	return names
}
