/*
CLI for running tiered network experiments
*/
package main

import (
	"github.com/iti/tiernet/cmd/tiernet/commands"
)

func main() {
	commands.Execute()
}
