package main

import "github.com/tfserving-textclf/tfsclient/cmd/tfsclient/commands"

func main() {
	commands.Execute()
}
