// Command pipbox is the ambient CLI front-end over the sandboxing engine
// core. The CLI, logging, and configuration parsing stay outside the core
// itself, but still get a concrete home here, built on cobra.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "pipbox",
		Short:         "pipbox sandboxes a pip's process tree and reports its file accesses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newValidateManifestCmd(), newSchemaCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("pipbox failed")
		os.Exit(1)
	}
}
