package main

import (
	"os"

	"github.com/frost-solutions/nightmeter/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
