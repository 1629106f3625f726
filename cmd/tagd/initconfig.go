package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bookverse/tagd/internal/config"
)

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a starter config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "tagd.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteStarter(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}
