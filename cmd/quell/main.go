package main

import (
	"github.com/kyotosystems/quell/cmd/quell/commands"
)

func main() {
	commands.Execute()
}
