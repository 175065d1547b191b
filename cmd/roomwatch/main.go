package main

import "roomwatch/internal/cli"

func main() {
	cli.Execute()
}
