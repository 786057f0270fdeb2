package main

import "securordo/internal/cli"

func main() {
	cli.Execute()
}
