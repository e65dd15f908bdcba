package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/codemode/sandbox"
)

func newModesCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "modes",
		Short: "Describe the sandbox isolation modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printModes(cmd.OutOrStdout(), output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	return cmd
}

func printModes(w io.Writer, format string) error {
	factory, err := sandbox.NewFactory(zap.NewNop(), sandbox.ModeShared, sandbox.DefaultOptions())
	if err != nil {
		return err
	}

	var infos []sandbox.ModeInfo
	for _, mode := range factory.AvailableModes() {
		info, err := factory.ModeInfo(mode)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}

	switch format {
	case "json":
		out, err := sonic.ConfigStd.MarshalIndent(infos, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(infos); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "MODE\tISOLATION\tPERFORMANCE")
		fmt.Fprintln(tw, "----\t---------\t-----------")
		for _, info := range infos {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Mode, info.Isolation, info.Performance)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unsupported output format %q, must be table, json or yaml", format)
	}
}
