package main

import "github.com/parley-ai/parley/internal/cli"

func main() {
	cli.Execute()
}
