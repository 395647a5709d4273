package main

import (
	"github.com/portalgrid/relayer/command"
)

func main() {
	command.Execute()
}
