package commands

import (
	"fmt"

	"github.com/mosaicnetworks/stxt/src/stxt"
	"github.com/spf13/cobra"
)

//NewGCCmd returns the command that collects rotated groups
func NewGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "gc",
		Short:   "Collect groups whose successors everyone has joined",
		Args:    cobra.NoArgs,
		PreRunE: loadConfig,
		RunE:    withEngine(gc),
	}
}

func gc(cmd *cobra.Command, engine *stxt.Stxt, args []string) error {
	relinks, err := engine.Peer.GC()
	if err != nil {
		return err
	}

	for _, old := range sortedKeys(relinks) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", old, relinks[old])
	}

	return nil
}
