package main

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/danmuck/patchnet/internal/protocol"
	"github.com/danmuck/patchnet/internal/protocol/group"
)

var groupDomain string

var groupCmd = &cobra.Command{
	Use:   "group <module-hex> <jack>",
	Short: "Print the multicast endpoint carrying a source jack.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := protocol.ParseModuleID(args[0])
		if err != nil {
			return errors.Wrap(err, "parsing module id")
		}
		jack, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			return errors.Wrap(err, "parsing jack")
		}
		domain, err := group.NewDomain(groupDomain, 0, 0)
		if err != nil {
			return errors.Wrap(err, "parsing domain")
		}
		key := protocol.PatchKey{Module: id, Jack: protocol.JackID(jack)}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", key, domain.JackEndpoint(key))
		return nil
	},
}

func init() {
	groupCmd.Flags().StringVar(&groupDomain, "domain", group.DefaultPrefix, "multicast prefix of the patch domain")
	RootCmd.AddCommand(groupCmd)
}
