package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/danmuck/patchnet/internal/config"
	"github.com/danmuck/patchnet/internal/protocol"
)

var (
	sheetModule string
	sheetConfig string
)

var sheetCmd = &cobra.Command{
	Use:   "sheet",
	Short: "Work with patch sheets.",
}

var sheetValidateCmd = &cobra.Command{
	Use:   "validate <sheet>",
	Short: "Check a patch sheet, optionally against a module config.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sheet, err := config.LoadPatchSheet(args[0])
		if err != nil {
			return err
		}
		self := protocol.ModuleID(1)
		if sheetModule != "" {
			if self, err = protocol.ParseModuleID(sheetModule); err != nil {
				return errors.Wrap(err, "parsing --module")
			}
		}
		var jacks []protocol.Jack
		if sheetConfig != "" {
			mf, err := config.LoadModuleFile(sheetConfig)
			if err != nil {
				return err
			}
			if jacks, err = config.Jacks(mf.Jacks); err != nil {
				return errors.Wrap(err, "module jacks")
			}
		} else {
			// Without a module config every sink id in the sheet is taken
			// as declared.
			for _, p := range sheet.Patches {
				jacks = append(jacks, protocol.Jack{ID: protocol.JackID(p.Sink), Direction: protocol.DirSink, Kind: protocol.SignalAudio, Channels: 1})
			}
		}
		patches, err := sheet.Resolve(self, jacks)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, p := range patches {
			fmt.Fprintf(out, "%s -> %d\n", p.Source, p.Sink)
		}
		fmt.Fprintf(out, "%s: %d patches ok\n", args[0], len(patches))
		return nil
	},
}

func init() {
	sheetValidateCmd.Flags().StringVar(&sheetModule, "module", "", "module id that \"self\" refers to")
	sheetValidateCmd.Flags().StringVar(&sheetConfig, "config", "", "module config whose jacks the sheet must fit")
	sheetCmd.AddCommand(sheetValidateCmd)
	RootCmd.AddCommand(sheetCmd)
}
