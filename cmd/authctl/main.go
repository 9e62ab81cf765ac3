package main

import (
	"os"

	"github.com/upb/tenant-auth/cmd/authctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
