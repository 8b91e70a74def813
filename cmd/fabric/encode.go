package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fabricwasm/fabric/internal/demo"
	"github.com/fabricwasm/fabric/wasm"
	"github.com/fabricwasm/fabric/wasm/binary"
)

func newEncodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode <module>",
		Short: "Write the WebAssembly binary format of a built-in module",
		Long: `Validate a built-in module and write its WebAssembly binary format, to stdout
unless --output is set.

  fabric encode factorial -o factorial.wasm`,
		Args: cobra.ExactArgs(1),
		RunE: runEncode,
	}
	cmd.Flags().StringP("output", "o", "", "File to write instead of stdout")
	return cmd
}

func runEncode(cmd *cobra.Command, args []string) error {
	m, err := lookupModule(args[0])
	if err != nil {
		return err
	}
	if err = m.Validate(); err != nil {
		return err
	}
	bin := binary.EncodeModule(m)

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		_, err = cmd.OutOrStdout().Write(bin)
		return err
	}
	if err = os.WriteFile(output, bin, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	return nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the built-in modules and their exported functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range demo.Names() {
				m := demo.Module(name)
				for _, e := range m.ExportSection {
					if e.Type != wasm.ExternTypeFunc {
						continue
					}
					ft := m.TypeOfFunction(e.Index)
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", name, e.Name, ft)
				}
			}
			return nil
		},
	}
}
