package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print the demo host's version",
		Action: func(c *cli.Context) error {
			fmt.Println(version)
			return nil
		},
	}
}
