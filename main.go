package main

import "github.com/markb/boardsync/cmd"

func main() {
	cmd.Execute()
}
