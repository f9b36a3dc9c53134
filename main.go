package main

import "github.com/nextlevelbuilder/kvmbroker/cmd"

func main() {
	cmd.Execute()
}
