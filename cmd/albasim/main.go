// Command albasim runs Albatross consensus clusters in memory.
//
//	go run ./cmd/albasim run --validators 4 --epochs 3
//	go run ./cmd/albasim run --level byzantine --crash 2 --metrics-addr :9090
//	go run ./cmd/albasim keys --seed 7
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edgedlt/albatross/cmd/albasim/keys"
	"github.com/edgedlt/albatross/cmd/albasim/run"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	cmd := &cobra.Command{
		Use:          "albasim",
		Short:        "Albatross consensus simulator",
		SilenceUsage: true,
	}
	cmd.AddCommand(run.Command(logger), keys.Command())

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
