// ffilint detects memory-safety bugs at foreign function boundaries.
package main

import (
	"os"

	"github.com/ffilint/ffilint/lintcmd"
)

func main() {
	cmd := lintcmd.NewCommand("ffilint")
	cmd.ParseFlags(os.Args[1:])
	cmd.Run()
}
