package main

import (
	"os"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
