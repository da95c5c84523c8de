package main

import "github.com/loopgate/loopgate/internal/cli"

func main() {
	cli.Execute()
}
