// classchat serves classroom chat: classrooms joined by access code, a
// per-classroom and a global message log, and WebSocket fan-out of new messages.
//
// Usage:
//
//	classchat serve [--config path]
//	classchat users add --id ID --name NAME --role teacher|student [--config path]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"classchat/internal/app"
	"classchat/internal/config"
	"classchat/internal/logging"
	"classchat/pkg/types"
)

const usage = `Usage:
  classchat serve [--config path]
  classchat users add --id ID --name NAME --role teacher|student [--config path]

Configuration precedence is file > CLASSCHAT_* environment > defaults.
A .env file in the working directory is loaded into the environment first.
`

// errUsage marks errors caused by bad arguments
var errUsage = errors.New("usage error")

// Main entry point with signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return runServe(ctx, nil, stderr)
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:], stderr)
	case "users":
		if len(args) < 2 || args[1] != "add" {
			return fmt.Errorf("%w: expected \"users add\"", errUsage)
		}
		return runAddUser(ctx, args[2:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func parseFlags(name string, args []string, register func(*pflag.FlagSet)) (string, error) {
	var configPath string
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a JSON or YAML config file")
	if register != nil {
		register(flagSet)
	}

	if err := flagSet.Parse(args); err != nil {
		return "", fmt.Errorf("%w: %v", errUsage, err)
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return "", fmt.Errorf("%w: unexpected argument %q", errUsage, extra[0])
	}
	return configPath, nil
}

func loadConfig(path string, stderr io.Writer) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	// STEP 1: Load configuration with precedence (file > env > defaults)
	configPath, err := parseFlags("serve", args, nil)
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}

	// STEP 2: Create application with configuration
	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: Start serving
	if err := application.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		_ = application.Stop(stopCtx)
		return fmt.Errorf("application error: %w", err)
	}

	// STEP 4: Wait for shutdown signal
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	// Timeout context prevents hanging shutdown
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// runAddUser seeds the identity directory, which the service itself only reads
func runAddUser(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var user types.User
	configPath, err := parseFlags("users add", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&user.ID, "id", "", "user id")
		fs.StringVar(&user.Name, "name", "", "display name")
		fs.StringVar(&user.Role, "role", types.RoleStudent, "teacher or student")
	})
	if err != nil {
		return err
	}

	user.ID = strings.TrimSpace(user.ID)
	user.Name = strings.TrimSpace(user.Name)
	user.Role = strings.ToLower(strings.TrimSpace(user.Role))
	if !types.IsValidUserID(user.ID) {
		return fmt.Errorf("%w: --id must be 1-64 letters, digits, _ or -", errUsage)
	}
	if user.Name == "" {
		return fmt.Errorf("%w: --name is required", errUsage)
	}
	if !types.IsValidRole(user.Role) {
		return fmt.Errorf("%w: --role must be %q or %q", errUsage, types.RoleTeacher, types.RoleStudent)
	}

	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	store, err := app.OpenStore(openCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.UpsertUser(openCtx, &user); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	fmt.Fprintf(stdout, "saved %s %s (%s)\n", user.Role, user.ID, user.Name)
	return nil
}
