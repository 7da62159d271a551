package main

import "github.com/tsawler/go-seg/cmd"

func main() {
	cmd.Execute()
}
