package main

import (
	"fmt"
	"os"

	"github.com/tolaris-network/round-dag/cmd/rounddctl/cli"
)

func main() {
	if err := cli.NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
