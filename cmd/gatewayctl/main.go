// Package main is the entrypoint for gatewayctl, the gateway's ops CLI.
package main

import (
	"fmt"
	"os"

	"github.com/nuulab/danbooru-gateway/cmd/gatewayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
