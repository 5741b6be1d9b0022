package main

import "fmt"

func flagError(subcommand, msg string) error {
	return fmt.Errorf("ndtiff-tool %s: %s", subcommand, msg)
}
