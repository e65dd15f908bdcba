package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/isdmx/codemode/codemode"
	"github.com/isdmx/codemode/config"
	"github.com/isdmx/codemode/sandbox"
)

var errScriptFailed = errors.New("script failed")

type runOptions struct {
	mode    string
	timeout time.Duration
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a script once and print the result as JSON",
		Long: `Execute a script once against the configured database and print the
response as JSON. Use "-" to read the script from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, root, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "Isolation mode: shared or process (default from config)")
	cmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", 0, "Shorter execution limit than the configured one")
	return cmd
}

func runScript(cmd *cobra.Command, root *rootOptions, opts *runOptions, path string) error {
	code, err := readScript(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}

	cfg, err := config.Load(root.configPath)
	if err != nil {
		return err
	}
	if opts.mode != "" {
		if _, err := sandbox.ParseMode(opts.mode); err != nil {
			return err
		}
		cfg.Sandbox.Mode = opts.mode
	}

	var svc *codemode.Service
	app := fx.New(
		fx.Supply(cfg),
		coreModule,
		fx.Populate(&svc),
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	resp, err := svc.Execute(ctx, code, codemode.ExecuteOptions{Timeout: opts.timeout})
	if err != nil {
		return err
	}

	out, err := sonic.ConfigStd.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !resp.Success {
		return fmt.Errorf("%w: %s", errScriptFailed, resp.Kind)
	}
	return nil
}

func readScript(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	return string(data), nil
}
