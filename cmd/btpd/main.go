package main

import (
	"fmt"
	"os"

	"github.com/btpd/btpd-sub000/cmd/btpd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
