package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carepro-cli/internal/api"
	"carepro-cli/internal/app"
	"carepro-cli/internal/auth"
	"carepro-cli/internal/config"
	"carepro-cli/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	verbose    bool
	policyPath string
	timeout    time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "carepro",
	Short: "CarePro caregiver client",
	Long: `carepro is a terminal client for the CarePro caregiver marketplace.

It signs you in, runs the general and specialized assessments, shows service
eligibility, uploads certificates and follows your notifications.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env не обязателен
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}

		var err error
		logger, err = logging.New(verbose || config.LoadAppConfig().Debug)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&policyPath, "config", "config/assessment.yaml", "Assessment policy file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Timeout for one-shot commands")

	registerCommands(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", describeError(err))
		os.Exit(1)
	}
}

// describeError подсказывает, что делать, когда сессия недействительна
func describeError(err error) string {
	switch {
	case api.IsUnauthorized(err):
		return "Your session has expired. Run `carepro login` to sign in again."
	case errors.Is(err, auth.ErrNotAuthenticated):
		return "You are not signed in. Run `carepro login` first."
	default:
		return err.Error()
	}
}

// signalContext отменяется по Ctrl+C или SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// withApp собирает приложение на время одной команды
func withApp(longRunning bool, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()
	if !longRunning {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	policy, err := config.LoadOrDefault(policyPath)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, config.LoadAppConfig(), policy, logger)
	if err != nil {
		return err
	}
	defer func() {
		snap := a.Metrics.GetSnapshot()
		logger.Debug("session metrics",
			zap.Int64("api_calls", snap.APICallsTotal),
			zap.Int64("api_calls_ok", snap.APICallsSuccessful),
			zap.Int64("assessments_submitted", snap.AssessmentsSubmitted),
			zap.Int64("notifications", snap.NotificationsReceived))
		a.Close()
	}()

	return fn(ctx, a)
}
