// Binary browsertime loads pages in a real browser and reports the results
// of collection scripts run once each page is complete.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "browsertime",
		Short:         "Measure web pages in real browsers over WebDriver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// glog registers its flags (-v, -logtostderr, ...) on the standard flag
	// set.
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	root.AddCommand(newRunCommand(), newDriversCommand(), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "browsertime", version)
		},
	}
}

func main() {
	// glog complains when logging before the standard flags are parsed.
	flag.CommandLine.Parse(nil)

	err := newRootCommand().Execute()
	glog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, "browsertime:", err)
		os.Exit(1)
	}
}
