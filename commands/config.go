package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/telebroad/ftpweb/config"
	"gopkg.in/yaml.v3"
)

var initForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Long: `Write the default configuration to $XDG_CONFIG_HOME/ftpweb/config.yaml,
or to the path given with --config. An existing file is kept unless --force is set.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after the file, the environment and the defaults were applied.
Local user passwords are masked.`,
	RunE: runConfigShow,
}

func init() {
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path, err := config.InitConfig(cfgFile, initForce)
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created at: %s\n", path)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Edit the configuration file to customize your setup")
	fmt.Fprintf(out, "  2. Start the server with: ftpweb serve --config %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(cfgFile)
	if err != nil {
		return err
	}
	for i := range cfg.Remote.LocalUsers {
		cfg.Remote.LocalUsers[i].Password = "********"
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to print config: %w", err)
	}
	return enc.Close()
}
