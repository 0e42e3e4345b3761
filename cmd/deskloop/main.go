package main

import "github.com/bryanchriswhite/DeskLoop/cmd/deskloop/commands"

func main() {
	commands.Execute()
}
