package main

import "github.com/terraskye/eventcore/cmd/eventcore/cmd"

func main() {
	cmd.Execute()
}
