package commands

import (
	"github.com/spf13/cobra"
)

//RootCmd is the root command for stxt
var RootCmd = &cobra.Command{
	Use:              "stxt",
	Short:            "stxt encrypted group messaging",
	TraverseChildren: true,
}

func init() {
	AddRootFlags(RootCmd)
}
