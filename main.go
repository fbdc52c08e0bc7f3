package main

import "github.com/CosmoTheDev/scanorch/cmd"

func main() {
	cmd.Execute()
}
