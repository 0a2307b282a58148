package main

import (
	"os"

	"github.com/selwynpear/growthgrid/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
