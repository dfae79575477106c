package main

import (
	"fmt"
	"os"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/cli"
)

var version = "dev"

func main() {
	cli.SetVersion(version)

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
