package main

import (
	"os"

	"github.com/lissto-dev/imagewatch/cmd/imagewatch/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
