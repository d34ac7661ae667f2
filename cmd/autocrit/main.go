package main

import (
	"os"

	"github.com/Mistobaan/autocrit"
)

func main() {
	if err := autocrit.Execute(); err != nil {
		os.Exit(1)
	}
}
