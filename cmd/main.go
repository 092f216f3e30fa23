package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"github.com/xeptore/flaw/v8"
	"gopkg.in/yaml.v3"

	"github.com/xeptore/mcauth/config"
	"github.com/xeptore/mcauth/constant"
	"github.com/xeptore/mcauth/ctxutil"
	"github.com/xeptore/mcauth/errutil"
	"github.com/xeptore/mcauth/launcher"
	"github.com/xeptore/mcauth/log"
	"github.com/xeptore/mcauth/minecraft/auth"
	"github.com/xeptore/mcauth/must"
)

const (
	flagConfigFilePath = "config"
	flagVerbose        = "verbose"
	flagAll            = "all"
)

func main() {
	logger := log.NewPretty(os.Stderr).Level(zerolog.InfoLevel)
	if err := godotenv.Load(); nil != err {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatal().Err(err).Msg("Failed to load .env file")
		}
	}

	//nolint:exhaustruct
	app := &cli.App{
		Name:     "mcauth",
		Version:  constant.Version,
		Compiled: constant.CompileTime,
		Suggest:  true,
		Usage:    "Sign in to Minecraft accounts and keep their credentials fresh",
		Flags: []cli.Flag{
			//nolint:exhaustruct
			&cli.StringFlag{
				Name:     flagConfigFilePath,
				Aliases:  []string{"c"},
				Usage:    "Config file path",
				Required: false,
			},
			//nolint:exhaustruct
			&cli.BoolFlag{
				Name:  flagVerbose,
				Usage: "Dump error details on failure",
			},
		},
		Commands: []*cli.Command{
			//nolint:exhaustruct
			{
				Name:    "login",
				Aliases: []string{"l"},
				Usage:   "Sign in with a Microsoft account and store it",
				Action:  login,
			},
			//nolint:exhaustruct
			{
				Name:    "accounts",
				Aliases: []string{"a"},
				Usage:   "Manage stored accounts",
				Action:  listAccounts,
				Subcommands: []*cli.Command{
					//nolint:exhaustruct
					{
						Name:   "list",
						Usage:  "List stored accounts",
						Action: listAccounts,
					},
					//nolint:exhaustruct
					{
						Name:      "default",
						Usage:     "Set the default account",
						ArgsUsage: "<account id>",
						Action:    setDefaultAccount,
					},
					//nolint:exhaustruct
					{
						Name:      "remove",
						Usage:     "Remove a stored account",
						ArgsUsage: "<account id>",
						Action:    removeAccount,
					},
				},
			},
			//nolint:exhaustruct
			{
				Name:      "refresh",
				Usage:     "Refresh the credentials of an account, or of every account about to expire",
				ArgsUsage: "[account id]",
				Action:    refresh,
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.BoolFlag{
						Name:  flagAll,
						Usage: "Refresh every account expiring soon",
					},
				},
			},
			//nolint:exhaustruct
			{
				Name:      "profile",
				Usage:     "Show the online profile of an account",
				ArgsUsage: "[account id]",
				Action:    profile,
			},
			//nolint:exhaustruct
			{
				Name:  "config",
				Usage: "Inspect configuration",
				Subcommands: []*cli.Command{
					//nolint:exhaustruct
					{
						Name:   "show",
						Usage:  "Print the effective configuration",
						Action: showConfig,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); nil != err {
		if errors.Is(err, context.Canceled) || errors.Is(err, auth.ErrCancelled) {
			logger.Trace().Msg("Application was canceled")
			return
		}
		if kind := auth.KindOf(err); kind != 0 {
			fmt.Fprintln(os.Stderr, auth.Message(err))
			dumpFlaw(os.Args, err)
			logger.Debug().Func(log.Flaw(err)).Msg("Command failed")
			os.Exit(1)
		}
		if flawErr := new(flaw.Flaw); errors.As(err, &flawErr) {
			dumpFlaw(os.Args, err)
			logger.Fatal().Func(log.Flaw(flawErr)).Msg("Application exited with flaw")
			return
		}
		logger.Fatal().Err(err).Msg("Application exited with error")
	}
}

// dumpFlaw prints the error chain, with the kind of every classified error in it, and
// the diagnostic records when --verbose was passed.
func dumpFlaw(args []string, err error) {
	verbose := false
	for _, arg := range args {
		if arg == "--"+flagVerbose {
			verbose = true
		}
	}
	if !verbose {
		return
	}
	if b, yamlErr := yaml.Marshal(map[string]any{"error_chain": errutil.Tree(err).FlawP()}); nil == yamlErr {
		_, _ = os.Stderr.Write(b)
	}
	if errutil.IsFlaw(err) {
		b, yamlErr := errutil.FlawToYAML(must.BeFlaw(err))
		if nil != yamlErr {
			return
		}
		_, _ = os.Stderr.Write(b)
	}
}

type session struct {
	ctx      context.Context //nolint:containedctx
	cfg      *config.Config
	logger   zerolog.Logger
	launcher *launcher.Launcher
	close    func()
}

func loadConfig(cliCtx *cli.Context, logger zerolog.Logger) (*config.Config, error) {
	var (
		cfgEnv      = os.Getenv("CONFIG")
		cfgFilePath = cliCtx.String(flagConfigFilePath)
	)
	switch {
	case cfgFilePath != "" && cfgEnv != "":
		return nil, errors.New("config file path and config environment variable are both set. specify only one")
	case cfgEnv != "":
		logger.Debug().Msg("Loading config from environment variable")
		c, err := config.FromString(cfgEnv)
		if nil != err {
			return nil, fmt.Errorf("failed to load config from environment variable: %v", err)
		}
		return c, nil
	default:
		logger.Debug().Str("config_file_path", cfgFilePath).Msg("Loading config")
		return config.FromFile(cfgFilePath)
	}
}

func open(cliCtx *cli.Context) (*session, error) {
	ctx, cancel := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)

	bootstrap := log.NewPretty(os.Stderr).Level(zerolog.InfoLevel)
	cfg, err := loadConfig(cliCtx, bootstrap)
	if nil != err {
		cancel()
		return nil, err
	}
	logger, err := log.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if nil != err {
		cancel()
		return nil, err
	}

	l, err := launcher.FromConfig(ctx, cfg, newTerminalUI(os.Stdout, logger), logger)
	if nil != err {
		cancel()
		return nil, err
	}

	return &session{
		ctx:      ctx,
		cfg:      cfg,
		logger:   logger,
		launcher: l,
		close: func() {
			// Give an interrupted command a moment to finish persisting.
			closeCtx, closeCancel := ctxutil.WithDelayedTimeout(ctx, config.ShutdownGracePeriod)
			defer closeCancel()
			done := make(chan error, 1)
			go func() { done <- l.Close() }()
			select {
			case err := <-done:
				if nil != err {
					logger.Error().Func(log.Flaw(err)).Msg("Failed to close launcher")
				}
			case <-closeCtx.Done():
				logger.Warn().Msg("Timed out closing launcher")
			}
			cancel()
		},
	}, nil
}
