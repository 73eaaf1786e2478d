package main

import (
	"os"

	"github.com/bpicori/vmshell/internal/cli"
)

// Every argument belongs to the guest, so there is no flag parsing here.
func main() {
	os.Exit(cli.Main(os.Args[1:]))
}
