package main

import "github.com/automail/engine/internal/cli"

func main() {
	cli.Execute()
}
