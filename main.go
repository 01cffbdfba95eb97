package main

import "github.com/chatpulse/chatpulse/cmd"

func main() {
	cmd.Execute()
}
