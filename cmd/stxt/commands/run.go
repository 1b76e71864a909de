package commands

import (
	"github.com/mosaicnetworks/stxt/src/stxt"
	"github.com/spf13/cobra"
)

//NewRunCmd returns the command that starts a stxt node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runStxt,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runStxt(cmd *cobra.Command, args []string) error {
	engine := stxt.NewStxt(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for stxt node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for stxt node")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable HTTP service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Node configuration
	cmd.Flags().Duration("heartbeat", _config.HeartbeatTimeout, "Time between gossips")
	cmd.Flags().Int("gc-every", _config.GCEvery, "Gossips between garbage collections, 0 to disable")
}
