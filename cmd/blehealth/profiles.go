package main

import (
	"github.com/spf13/cobra"

	"github.com/srg/blehealth/peripheral"
)

var profilesFormat string

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the supported health profiles",
	Long: `List the health profiles this tool can emulate and decode, with their
16-bit service and measurement characteristic ids, the encoded frame size and
the value emitted by default.`,
	Args: cobra.NoArgs,
	RunE: runProfiles,
}

func init() {
	profilesCmd.Flags().StringVarP(&profilesFormat, "format", "f", "table", "Output format (table, json)")
}

func runProfiles(cmd *cobra.Command, _ []string) error {
	if err := checkFormat(profilesFormat); err != nil {
		return err
	}
	cmd.SilenceUsage = true
	return displayProfiles(cmd.OutOrStdout(), profilesFormat, peripheral.DefaultValues)
}
