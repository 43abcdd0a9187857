package cmd

import (
	"fmt"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cmdutil"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/output"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display the effective configuration",
	Long: `Show the configuration flowminer would run with after merging the
defaults, the config file and FLOWMINER_* environment variables.`,
	RunE: showConfig,
}

func init() {
	configCmd.Flags().Bool("json", false, "Output in JSON format")
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, err := cmdutil.LoadConfig(viper.GetViper())
	if err != nil {
		return err
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return output.WriteJSON(cmd.OutOrStdout(), cfg)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
