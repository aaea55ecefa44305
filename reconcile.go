package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/semihalev/dohsink/config"
	"github.com/semihalev/dohsink/deploy"
	"github.com/semihalev/dohsink/deploy/awslambda"
	"github.com/semihalev/dohsink/deploy/filesystem"
	"github.com/semihalev/dohsink/deploy/kube"
	"github.com/semihalev/dohsink/metrics"
	"github.com/semihalev/dohsink/pipeline"
	"github.com/semihalev/dohsink/updater"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"
)

func newCompiler(cfg *config.Config) *pipeline.Compiler {
	return pipeline.New(pipeline.Config{
		BlockLists:  cfg.BlockLists,
		AllowLists:  cfg.AllowLists,
		Blocklist:   cfg.Blocklist,
		Whitelist:   cfg.Whitelist,
		SuffixMatch: cfg.SuffixMatch,
		Timeout:     cfg.SourceTimeout.Duration,
	})
}

func newTarget(ctx context.Context, cfg *config.Config) (deploy.Target, error) {
	switch cfg.Target {
	case config.TargetLambda:
		return awslambda.NewFromEnv(ctx, cfg.ResponderFunction)
	case config.TargetKubernetes:
		return kube.NewFromConfig(cfg.Kubeconfig, cfg.Namespace, cfg.Deployment)
	case config.TargetFilesystem:
		return filesystem.New(cfg.PackageDir), nil
	}

	return nil, fmt.Errorf("unknown deployment target %q", cfg.Target)
}

func (a *app) newUpdater(ctx context.Context, m *metrics.Metrics) (*updater.Updater, error) {
	if err := a.cfg.ValidateUpdater(); err != nil {
		return nil, err
	}

	target, err := newTarget(ctx, a.cfg)
	if err != nil {
		return nil, err
	}

	return updater.New(target, newCompiler(a.cfg), m), nil
}

func (a *app) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compile the deny-list once and publish it when it changed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := a.newUpdater(cmd.Context(), nil)
			if err != nil {
				return err
			}

			result, err := u.Reconcile(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), result.String())

			return err
		},
	}
}

func (a *app) scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Reconcile now and on every update interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := a.newUpdater(cmd.Context(), metrics.New(newRegistry()))
			if err != nil {
				return err
			}

			zlog.Info("Starting scheduled updater", "version", version, "interval", a.cfg.UpdateInterval.String())

			u.Run(cmd.Context(), a.cfg.UpdateInterval.Duration)

			return nil
		},
	}
}

func (a *app) compileCmd() *cobra.Command {
	var output, base string
	var pkg bool

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile the deny-list sources without publishing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := newCompiler(a.cfg).Compile(cmd.Context())
			if err != nil {
				return err
			}

			var out io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			if !pkg {
				_, err = list.WriteTo(out)
				return err
			}

			var baseZip []byte
			if base != "" {
				if baseZip, err = os.ReadFile(base); err != nil {
					return err
				}
			}

			artifact, err := pipeline.Package(baseZip, list)
			if err != nil {
				return err
			}

			if _, err := out.Write(artifact.Package); err != nil {
				return err
			}

			zlog.Info("Package written", "identity", artifact.Identity, "entries", artifact.Entries, "bytes", len(artifact.Package))

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file")
	cmd.Flags().BoolVar(&pkg, "package", false, "write a deployment package instead of the plain list")
	cmd.Flags().StringVar(&base, "base", "", "base package to copy into the deployment package")

	return cmd
}
