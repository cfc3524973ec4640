package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/sensormesh-simulator/internal/scenario"
)

func newValidateCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a scenario file without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := scenario.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d devices, %d timepoints, %s topology, %d scripts)\n",
				path, len(sc.Devices), sc.Timepoints, sc.Topology.Kind, len(sc.Scripts))
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "scenario", "s", "", "Path to the scenario YAML file")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}
