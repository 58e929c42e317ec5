/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package main

import (
	"azvm/cmd"
	"azvm/internal/logging"

	"go.uber.org/zap"
)

func main() {
	if err := logging.InitLogger(); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		if err := logging.Sync(); err != nil {
			logging.Logger().Error("failed to sync logger on exit", zap.Error(err))
		}
	}()

	cmd.Execute()
}
