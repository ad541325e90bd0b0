// Command p2pdiag is a small diagnostic CLI and debug HTTP surface for
// the connectivity core: it drives server-reflexive discovery or a TURN
// allocation from the command line, and can expose Prometheus metrics
// plus a read-only JSON view of live state over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	root := &cobra.Command{
		Use:     "p2pdiag",
		Short:   "Diagnostic CLI for the STUN/TURN/RUDP connectivity core",
		Version: version,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./p2pconnect.yaml)")

	root.AddCommand(discoverCmd())
	root.AddCommand(turnCmd())
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
