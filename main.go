package main

import "github.com/sw33tLie/motscan/cmd"

func main() {
	cmd.Execute()
}
