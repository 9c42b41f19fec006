package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"redstone/internal/app"
	"redstone/internal/config"
	"redstone/internal/logging"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "rs",
	Short: "Redstone test execution reporter",
	Long: `Redstone records test runs and their results, organised under
projects, epics, features and test case definitions.

- Runs are started, receive case reports (with steps and screenshots), then finish or abort.
- A checkpoint lists the case names already recorded so an interrupted runner can resume.
- Statistics are derived on demand and never stored.
- Storage is a single sqlite file or a JSON document file, picked in redstone.yml.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REDSTONE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "directory holding redstone.yml")
	flags.Bool("json", false, "output JSON")
	flags.String("backend", "", "storage backend (sqlite|document)")
	flags.String("db", "", "storage file path")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-format", "", "log format (text|json)")
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("storage.backend", flags.Lookup("backend"))
	_ = viper.BindPFlag("storage.path", flags.Lookup("db"))
	_ = viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", flags.Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(storeCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

// loadConfig reads redstone.yml from the workspace, then applies flag and
// REDSTONE_* environment overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	overrideString(&cfg.Server.Addr, "server.addr")
	overrideString(&cfg.Server.BasePath, "server.base_path")
	overrideString(&cfg.Server.JWTSecret, "server.jwt_secret")
	overrideString(&cfg.Storage.Backend, "storage.backend")
	overrideString(&cfg.Storage.Path, "storage.path")
	overrideString(&cfg.Storage.Aggregation, "storage.aggregation")
	overrideString(&cfg.Screenshots.Dir, "screenshots.dir")
	overrideString(&cfg.Logging.Level, "logging.level")
	overrideString(&cfg.Logging.Format, "logging.format")
	if viper.IsSet("recorder.strict_definition_refs") {
		cfg.Recorder.StrictDefinitionRefs = viper.GetBool("recorder.strict_definition_refs")
	}
	cfg.Resolve(workspace)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideString(dst *string, key string) {
	if v := viper.GetString(key); v != "" {
		*dst = v
	}
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	return log, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows unless --json is set, in which case v is printed.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func optionalInt64(v *int64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(*v)
}
