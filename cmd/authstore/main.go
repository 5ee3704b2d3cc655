package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/authstore/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "authstore: %v\n", err)
		os.Exit(1)
	}
}
