// Description: commands package
// The ftpweb command line: serve runs the HTTP front end, config writes and prints the configuration.

package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "ftpweb",
	Short: "ftpweb - browse FTP, FTPS and SFTP servers over HTTP",
	Long: `ftpweb exposes a JSON API that opens FTP, FTPS and SFTP sessions on behalf of
the browser and proxies list, download, upload, mkdir, delete and rename through them.

Every configuration option can be overridden with an environment variable:
FTPWEB_<SECTION>_<KEY>, for example FTPWEB_SERVER_ADDR=:8080.

Use "ftpweb [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command named on the command line
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/ftpweb/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
