package main

import "github.com/bryanchriswhite/screencopy/cmd/screencopy/commands"

func main() {
	commands.Execute()
}
