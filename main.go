package main

import "github.com/nextlevelbuilder/deskwire/cmd"

func main() {
	cmd.Execute()
}
