// README: Admin CLI for migrations, one-off sweeps and offer inspection.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(openApp).Execute(); err != nil {
		os.Exit(1)
	}
}
