package main

import "github.com/seclab/seclab/cmd"

func main() {
	cmd.Execute()
}
