package main

import (
	"fmt"
	"os"

	"catalog-sync-service/internal/cli"
	"catalog-sync-service/internal/logger"
)

func main() {
	err := cli.NewRootCommand(nil).Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
