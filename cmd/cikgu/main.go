package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "warning: load .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cikgu",
		Short: "SPM study companion: notes, quizzes and graded assessments",
	}

	serve := serveCmd()
	root.AddCommand(serve, seedCmd(), importCmd(), gradeCmd(), exportCmd(), remindCmd(), vapidKeysCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "cikgu.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty disables auto-grading)")
	f.String("llm-key", "", "API key for the LLM endpoint")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", "standard", "Grading prompt variant (strict, standard, lenient)")
}

func setupLogging(v *viper.Viper) {
	var level slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// viperForCmd binds a command's flags, environment and config file to a
// fresh viper instance and configures logging from it.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("CIKGU")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("cikgu")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/cikgu")
	v.AddConfigPath("/etc/cikgu")
	err := v.ReadInConfig()

	setupLogging(v)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}
	return v
}

func openStore(v *viper.Viper) (*store.Store, error) {
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// seedAdmin creates the local admin account when the database has no users.
// Without a password it does nothing and Google sign-in is the only way in.
func seedAdmin(cmd *cobra.Command, db *store.Store, email, password string) error {
	ctx := cmd.Context()
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if password == "" {
		slog.Warn("no users exist and no admin password is set; set --admin-password or CIKGU_ADMIN_PASSWORD")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if _, err := db.CreateUser(ctx, model.User{
		Email:        email,
		Name:         "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	}); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	slog.Info("seeded admin user", "email", email)
	return nil
}
