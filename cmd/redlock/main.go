// Command redlock acquires quorum locks, runs commands under them and operates the
// overlap-guarded jobs worker and scheduler.
package main

import "github.com/nimburion/redlock/pkg/cli"

func main() {
	cli.Execute(cli.NewServiceCommand(cli.ServiceCommandOptions{
		Name:        "redlock",
		Description: "Quorum distributed locks and overlap-guarded jobs",
	}))
}
