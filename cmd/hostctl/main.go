// Command hostctl is an operator-facing command line over a Session,
// for manual smoke testing of the module supervisor and bus outside
// of a real host application. See spec.md §6, SPEC_FULL.md §4.15.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/silexa/hostbus/internal/session"
)

var dataDir string

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "hostctl",
		Short: "Operate a hostbus session's modules from the command line",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory the session's registry and module cache live under")

	root.AddCommand(
		newAddCommand(),
		newListCommand(),
		newInstallCommand(),
		newRunCommand(),
		newKillCommand(),
		newKillAllCommand(),
		newRmCommand(),
		newScaffoldCommand(),
		newDoctorCommand(),
	)
	return root
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.hostbus"
	}
	return ".hostbus"
}

func openSession() (*session.Session, error) {
	return session.New(session.Options{DataDir: dataDir, Durable: true})
}
