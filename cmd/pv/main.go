package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"patchverify/internal/app"
	"patchverify/internal/config"
	"patchverify/internal/db"
	"patchverify/internal/domain"
	"patchverify/internal/jobs"
	"patchverify/internal/logging"
	"patchverify/internal/migrate"
	"patchverify/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "pv",
	Short: "Patch verification service",
	Long: `pv turns model-written fixes into patches for known defects, builds them in the
defect's checkout and remembers the outcome.
- Defect: project@commit, located through the metadata catalog (bugs_list*.json plus source snapshots).
- Strategy: how the answer becomes a patch (auto, diff, direct, prefix, inline+meta).
- Job key: patch:<project>@<commit>:<fingerprint>; identical fixes share one build.
- Cache: Redis first, then the durable log files under out_root.
- Jobs: queued -> running -> completed|failed, pollable by handle.
- Reproduction: rebuild of a defect's unpatched baseline, serialized with its verifications.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log, err := logging.New(logging.Options{
			Verbose: viper.GetBool("verbose"),
			Console: !viper.GetBool("log-json"),
		})
		if err != nil {
			return err
		}
		logger = log
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PATCHVERIFY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory (holds patchverify.yml and .patchverify/)")
	flags.String("config", "", "config file (default <workspace>/patchverify.yml)")
	flags.Bool("json", false, "output JSON")
	flags.BoolP("verbose", "v", false, "debug logging")
	flags.Bool("log-json", false, "log as JSON lines")
	flags.String("redis-addr", "", "redis address (enables the redis tier)")
	flags.Bool("no-redis", false, "disable the redis tier")
	flags.String("store", "", "job store driver: memory or sqlite")
	flags.String("src-root", "", "metadata catalog root")
	flags.String("out-root", "", "checkout and build log root")
	flags.String("server", "", "talk to a running pv serve at this URL instead of working locally")
	flags.String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "config", "json", "verbose", "log-json", "redis-addr", "no-redis", "store", "src-root", "out-root", "server", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(patchCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(reproduceCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(dbCmd())
}

// loadConfig reads the workspace config and applies flag and env overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if viper.IsSet("redis-addr") && viper.GetString("redis-addr") != "" {
		cfg.Redis.Addr = viper.GetString("redis-addr")
		cfg.Redis.Enabled = true
	}
	if viper.GetBool("no-redis") {
		cfg.Redis.Enabled = false
	}
	if v := viper.GetString("store"); v != "" {
		cfg.Store.Driver = v
	}
	if v := viper.GetString("src-root"); v != "" {
		cfg.Paths.SrcRoot = v
	}
	if v := viper.GetString("out-root"); v != "" {
		cfg.Paths.OutRoot = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create patchverify.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			a, err := app.New(cmd.Context(), viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Jobs:     a.Jobs,
				Catalog:  a.Catalog,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
				Logger:   logger.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			errc := make(chan error, 1)
			go func() {
				logger.Info("serving patch verification API",
					zap.String("addr", cfg.Server.Addr),
					zap.String("base_path", cfg.Server.BasePath),
					zap.Bool("auth", cfg.Server.JWTSecret != ""))
				errc <- srv.ListenAndServe()
			}()
			select {
			case err := <-errc:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.Join(err, a.Close(context.Background()))
				}
			case <-cmd.Context().Done():
			}
			logger.Info("shutting down", zap.Duration("grace", cfg.Server.ShutdownTimeout))
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			shutdownErr := srv.Shutdown(ctx)
			return errors.Join(shutdownErr, a.Close(ctx))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func projectsCmd() *cobra.Command {
	prj := &cobra.Command{Use: "projects", Short: "Inspect the metadata catalog"}
	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List catalog projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := app.LoadCatalog(cfg, logger)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"projects": cat.Projects(), "defects": cat.Len()})
			}
			for _, p := range cat.Projects() {
				fmt.Println(p)
			}
			return nil
		},
	})
	return prj
}

func dbCmd() *cobra.Command {
	dbc := &cobra.Command{Use: "db", Short: "Manage the SQLite job store"}
	dbc.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the store path and schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			current, err := migrate.Current(cmd.Context(), conn)
			if err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			out := map[string]any{
				"path":    db.Path(db.Config{Workspace: viper.GetString("workspace")}),
				"current": current,
				"latest":  latest,
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("%s: schema %d of %d\n", out["path"], current, latest)
			return nil
		},
	})
	dbc.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Println("schema up to date")
			return nil
		},
	})
	return dbc
}

// --- helpers ---

func withStore(ctx context.Context, fn func(context.Context, jobs.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Driver == "memory" {
		return fmt.Errorf("the memory store is per process; use --store sqlite or --server")
	}
	store, conn, err := app.OpenStore(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	if conn != nil {
		defer conn.Close()
	}
	return fn(ctx, store)
}

func readResponse(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("--response-file required (use - for stdin)")
	}
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}
	b, err := io.ReadAll(r)
	return string(b), err
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJobs(items []domain.JobRecord) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Handle", "Kind", "Bug", "Status", "RC", "Cached", "Updated", "Error"})
	for _, j := range items {
		tw.AppendRow(table.Row{j.Handle, j.Kind, j.BugID, j.State, j.ReturnCode, j.Cached, j.UpdatedAt, truncate(j.Error, 60)})
	}
	tw.Render()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
