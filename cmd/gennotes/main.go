// Command gennotes serves and maintains the variant knowledge base.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gennotes/internal/config"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

type rootOptions struct {
	configPath string
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "gennotes",
		Short:         "Versioned genomic variant annotation store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config (default $"+config.EnvConfigPath+")")
	root.AddCommand(
		newServeCmd(opts),
		newImportCmd(opts),
		newExportCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

// withApp loads configuration, wires the application and closes it when fn returns.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(*app) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(context.WithoutCancel(cmd.Context())); cerr != nil {
			a.logger.Error("shutdown", "error", cerr)
		}
	}()
	return fn(a)
}
