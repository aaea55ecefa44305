package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/semihalev/dohsink/config"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"
)

var version = "1.0.0"

type app struct {
	cfgPath string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	a := new(app)

	root := &cobra.Command{
		Use:           "dohsink",
		Short:         "DNS sinkhole over DNS-over-HTTPS",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", os.Getenv("DOHSINK_CONFIG"),
		"location of the config file, if config file not found, a config will generate")

	root.AddCommand(
		a.serveCmd(),
		a.lambdaCmd(),
		a.reconcileCmd(),
		a.scheduleCmd(),
		a.compileCmd(),
		versionCmd(),
	)

	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return fmt.Errorf("config loading failed: %w", err)
	}

	lvl, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	logger.SetLevel(lvl)
	zlog.SetDefault(logger)

	a.cfg = cfg

	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "dohsink v"+version)
		},
	}
}

// lambdaArgs starts the configured role when the binary is the bootstrap of
// a Lambda function.
func lambdaArgs(args []string, lookup func(string) string) []string {
	if len(args) == 0 && lookup("AWS_LAMBDA_RUNTIME_API") != "" {
		return []string{"lambda"}
	}
	return args
}

func main() {
	root := newRootCmd()
	root.SetArgs(lambdaArgs(os.Args[1:], os.Getenv))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		zlog.Error("Command failed", "error", err.Error())
		stop()
		os.Exit(1)
	}
}
