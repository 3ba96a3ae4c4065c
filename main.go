// Command fcrelease drives the platform release across its parallel release
// branches.
package main

import "fcrelease/internal/cli"

func main() {
	cli.Execute()
}
