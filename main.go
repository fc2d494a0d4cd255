package main

import (
	"os"

	"github.com/securecodehub/semgrep-hub/cmd"
)

// main function remains to call Execute.
func main() {
	cmd.Execute(os.Args[1:])
}
