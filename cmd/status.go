/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"

	"azvm/internal/config"
	"azvm/internal/converge"
	"azvm/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statusInstanceFile string

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the instance's deployment exists",
	Long: `Probe the Service Management API for the instance's deployment without
changing anything. Prints a JSON line on stdout:

  {"name":"web01","state":"found"}`,
	Run: func(cmd *cobra.Command, args []string) {
		reportStatus(statusInstanceFile)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusInstanceFile, "file", "f", "", "Path to instance YAML file (required)")
	if err := statusCmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
}

func reportStatus(instanceFile string) {
	spec, err := config.Load(instanceFile)
	if err != nil {
		logging.Logger().Fatal("Failed to load instance file", zap.Error(err))
	}

	engine := buildEngine(spec)

	existence := engine.Probe(context.Background(), spec.Name)
	if existence.State == converge.Indeterminate {
		logging.Logger().Fatal("Failed to probe deployment",
			zap.String("name", spec.Name),
			zap.Error(existence.Err))
	}

	printJSON(struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}{Name: spec.Name, State: existence.State.String()})
}
