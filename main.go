package main

import "opsqueue/cmd"

func main() {
	cmd.Run()
}
