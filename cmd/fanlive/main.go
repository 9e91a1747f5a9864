package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hitoshi/fanlive/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
