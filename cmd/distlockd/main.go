// Command distlockd runs the distributed lock coordinator.
package main

import "github.com/nimburion/distlock/pkg/cli"

func main() {
	cli.Execute(cli.NewRootCommand(cli.Options{
		Name:       "distlockd",
		ConfigPath: "",
		EnvPrefix:  "DISTLOCK",
	}))
}
