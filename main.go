package main

import "pqchat/cmd"

func main() {
	cmd.Execute()
}
