package main

import (
	"log"

	"github.com/spf13/cobra"

	harnesscli "github.com/clusterlab/harness/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "harnessctl",
		Short:         "cluster harness node CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	harnesscli.AddAll(root)
	return root
}
