package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pders01/quill/internal/app"
	"github.com/pders01/quill/internal/config"
	"github.com/pders01/quill/internal/debuglog"
	"github.com/pders01/quill/internal/ui"
)

// Version is the version of the application, set at build time
var Version = "dev"

var (
	configPath string
	dbPath     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "quill",
	Short:         "Offline-first client for the quill blog platform",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("quill %s\n", Version)
		fmt.Println("Offline-first blog client")
		fmt.Println("github.com/pders01/quill")
	},
}

var bannerCmd = &cobra.Command{
	Use:    "banner",
	Short:  "Print the startup banner",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), ui.Banner(Version))
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configGenCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write the default configuration to ~/.config/quill/config.toml",
	Run: func(cmd *cobra.Command, args []string) {
		path := config.DefaultPath()
		if err := config.GenerateDefaultConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default configuration at: %s\n", path)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to database file (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	configCmd.AddCommand(configGenCmd)
	rootCmd.AddCommand(versionCmd, bannerCmd, configCmd)
	addSessionCommands(rootCmd)
	addQueueCommands(rootCmd)
	addCacheCommands(rootCmd)
	addNotificationCommands(rootCmd)
}

// withApp loads the config, opens the runtime and closes it after fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	if verbose {
		debuglog.SetOutput(cmd.ErrOrStderr(), debuglog.LevelDebug)
	} else if err := debuglog.Setup(debuglog.ParseLogLevel(cfg.Log.Level), cfg.Log.Path); err != nil {
		return err
	}
	defer debuglog.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.SeverityError.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
