// Package cli implements the linkid command line client.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	slogcontext "github.com/veqryn/slog-context"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	linkid "github.com/linkgenetic/linkid-go"
	"github.com/linkgenetic/linkid-go/internal/config"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitValidation  = 2
	ExitNotFound    = 3
	ExitWithdrawn   = 4
	ExitAuth        = 5
	ExitRateLimited = 6
	ExitNetwork     = 7
)

// app carries state shared between the root command and its subcommands.
type app struct {
	v        *viper.Viper
	cfgFile  string
	noCache  bool
	cfg      config.Config
	client   *linkid.Client
	provider *sdktrace.TracerProvider
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{v: config.NewViper()}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.close(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return ExitCode(err)
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case linkid.IsValidation(err):
		return ExitValidation
	case linkid.IsNotFound(err):
		return ExitNotFound
	case linkid.IsWithdrawn(err):
		return ExitWithdrawn
	case linkid.IsUnauthorized(err), linkid.IsForbidden(err):
		return ExitAuth
	case linkid.IsRateLimited(err):
		return ExitRateLimited
	case linkid.IsRetryable(err):
		return ExitNetwork
	default:
		return ExitError
	}
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "linkid",
		Short: "Resolve and manage LinkID persistent identifiers",
		Long: `linkid resolves LinkID persistent identifiers to their current targets and,
with an API key, registers, updates and withdraws them.

Configuration is read from --config (YAML), LINKID_* environment variables
and flags, in increasing order of precedence.`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (YAML)")
	flags.String("resolver", "", "resolver base URL")
	flags.String("api-key", "", "API key for register, update and withdraw")
	flags.Duration("timeout", 0, "per-attempt request timeout")
	flags.Int("retries", 0, "maximum attempts per request")
	flags.String("discovery", "", "discover resolvers from this domain's well-known document")
	flags.BoolVar(&a.noCache, "no-cache", false, "disable result caching")
	flags.StringP("output", "o", config.OutputJSON, "output format (json, yaml)")
	flags.Bool("debug", false, "log debug records to stderr")
	flags.Bool("trace", false, "print trace spans to stderr")

	for key, flag := range map[string]string{
		"resolver":  "resolver",
		"api_key":   "api-key",
		"timeout":   "timeout",
		"retries":   "retries",
		"discovery": "discovery",
		"output":    "output",
		"debug":     "debug",
		"trace":     "trace",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(
		a.resolveCommand(),
		a.registerCommand(),
		a.updateCommand(),
		a.withdrawCommand(),
		a.discoverCommand(),
	)
	return cmd
}

// setup loads configuration and builds the logger, tracer and client.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.noCache {
		a.v.Set("cache.enabled", false)
	}
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := slog.LevelWarn
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	ctx := slogcontext.NewCtx(cmd.Context(), logger)
	cmd.SetContext(ctx)

	opts := cfg.Options()
	if cfg.Trace {
		provider, err := newTracerProvider(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		a.provider = provider
		opts = append(opts, linkid.WithTracerProvider(provider))
	}

	client, err := linkid.New(opts...)
	if err != nil {
		return err
	}
	a.client = client

	logger.Log(ctx, slog.LevelDebug, "client ready",
		slog.String("realm", "cli"),
		slog.String("resolver", cfg.Resolver),
		slog.String("discovery", cfg.Discovery),
	)
	return nil
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.provider != nil {
		errs = append(errs, a.provider.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		slogcontext.FromCtx(ctx).Log(ctx, slog.LevelWarn, "shutdown", slog.Any("error", err))
	}
}
