// settlectl runs operator tasks against the homesettle stores.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/mbd888/homesettle/internal/opscli"
)

func main() {
	_ = godotenv.Load()

	if err := opscli.NewRootCommand(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(opscli.GetExitCode(err))
	}
}
