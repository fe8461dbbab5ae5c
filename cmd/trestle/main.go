package main

import "github.com/trestle-ai/trestle/internal/cli"

func main() {
	cli.Execute()
}
