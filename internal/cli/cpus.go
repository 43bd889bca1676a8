package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/topology"
)

var cpusCmd = &cobra.Command{
	Use:   "cpus",
	Short: "List the CPUs the sampler would attach to",
	RunE: func(cmd *cobra.Command, args []string) error {
		cpus, err := topology.OnlineCPUs()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d online CPUs: %v\n", len(cpus), cpus)
		return nil
	},
}
