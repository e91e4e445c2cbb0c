package main

import (
	"github.com/giamma80/gymbro-platform-sub003/cmd"
)

func main() {
	cmd.Main()
}
