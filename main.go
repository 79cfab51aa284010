package main

import "github.com/RichardoC/pad-relay/cmd"

func main() {
	cmd.Execute()
}
