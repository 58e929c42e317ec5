package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"azvm/internal/asm"
	"azvm/internal/cert"
	"azvm/internal/config"
	"azvm/internal/converge"
	"azvm/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	applyInstanceFile string
	applyState        string
)

// applyCmd represents the apply command
var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Converge a virtual machine to its desired state",
	Long: `Load an instance description and drive the subscription to match it.

The deployment is probed first; apply creates it when the desired state is
present and it is missing, deletes it when the desired state is absent and
it exists, and otherwise does nothing. The outcome is printed as a JSON
line on stdout:

  {"changed":true}`,
	Run: func(cmd *cobra.Command, args []string) {
		applyInstance(applyInstanceFile, applyState)
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)

	applyCmd.Flags().StringVarP(&applyInstanceFile, "file", "f", "", "Path to instance YAML file (required)")
	applyCmd.Flags().StringVar(&applyState, "state", "", "Override the file's desired state (present or absent)")
	if err := applyCmd.MarkFlagRequired("file"); err != nil {
		panic(fmt.Sprintf("failed to mark flag as required: %v", err))
	}
}

func applyInstance(instanceFile, stateOverride string) {
	spec, err := config.Load(instanceFile)
	if err != nil {
		logging.Logger().Fatal("Failed to load instance file", zap.Error(err))
	}
	if stateOverride != "" {
		spec.State = config.DesiredState(stateOverride)
	}

	engine := buildEngine(spec)

	outcome, err := engine.Converge(context.Background(), spec, spec.State)
	if err != nil {
		logging.Logger().Fatal("Failed to converge instance",
			zap.String("name", spec.Name),
			zap.Error(err))
	}

	printJSON(outcome)
}

// buildEngine wires the convergence engine against the subscription named by
// the instance description. Credential and client failures are fatal.
func buildEngine(spec *config.Config) *converge.Engine {
	credentials, err := spec.ResolveCredentials(os.Getenv)
	if err != nil {
		logging.Logger().Fatal("Failed to resolve credentials", zap.Error(err))
	}

	client, err := asm.NewClient(credentials.SubscriptionID, credentials.CertPath,
		asm.WithLogger(logging.Logger()))
	if err != nil {
		logging.Logger().Fatal("Failed to build management client", zap.Error(err))
	}

	engine, err := converge.NewEngine(converge.Config{
		API:    client,
		Certs:  cert.NewExtractor(),
		Logger: logging.Logger(),
	})
	if err != nil {
		logging.Logger().Fatal("Failed to build convergence engine", zap.Error(err))
	}
	return engine
}

func printJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Logger().Fatal("Failed to encode output", zap.Error(err))
	}
	fmt.Println(string(data))
}
