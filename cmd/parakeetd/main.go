package main

import (
	"os"

	"github.com/herve-wq/mvpwakascribe/cmd/parakeetd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
