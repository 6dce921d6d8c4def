package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/veridex/veridex/internal/interface/cli"
)

// version is set at build time via -ldflags
var version = "dev"

func main() {
	// Optional .env for local development; absence is not an error
	_ = godotenv.Load()

	if err := cli.NewRoot(version).Execute(); err != nil {
		os.Exit(1)
	}
}
