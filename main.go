package main

import "github.com/nextlevelbuilder/namewatch/cmd"

func main() {
	cmd.Execute()
}
