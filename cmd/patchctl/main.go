package main

import (
	"fmt"
	"os"
)

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "patchctl: %v\n", err)
		os.Exit(1)
	}
}
