package main

import (
	"github.com/danielksan81/Perun/cmd/channeld/cmd"
)

func main() {
	cmd.Execute()
}
