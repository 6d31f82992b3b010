package main

import "github.com/smelterhq/smelter/cmd/smelter/cmd"

func main() {
	cmd.Execute()
}
