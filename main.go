package main

import "github.com/tanq16/snapgrab/cmd"

func main() {
	cmd.Execute()
}
