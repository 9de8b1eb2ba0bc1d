package main

import "threadlane/cmd"

func main() {
	cmd.Execute()
}
