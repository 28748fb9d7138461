package main

import "github.com/kiesman99/printclip/cmd"

func main() {
	cmd.Execute()
}
