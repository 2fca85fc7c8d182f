package main

import "github.com/TFMV/hearthcall/cmd"

func main() {
	cmd.Execute()
}
