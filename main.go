package main

import "github.com/akorhonen/bibfill/cmd"

var execute = cmd.Execute

func main() {
	execute()
}
