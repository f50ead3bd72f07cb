package main

import "github.com/openindex/oipd/internal/cli"

func main() {
	cli.Execute()
}
