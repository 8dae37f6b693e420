// Description: This is the main file of the ftpweb server
// ftpweb serves a JSON API that proxies FTP, FTPS and SFTP sessions for the browser.
// Run "ftpweb config init" to write a configuration file, then "ftpweb serve".

package main

import (
	"fmt"
	"os"

	"github.com/telebroad/ftpweb/commands"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
