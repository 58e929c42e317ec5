/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "azvm",
	Short: "Idempotent Azure virtual machine provisioning",
	Long: `azvm converges a single Azure virtual machine to a desired state.

An instance is described by a YAML file; azvm probes the Service Management
API for its deployment and creates or terminates it so the observed state
matches the desired one. Re-running with an unchanged file is a no-op.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
