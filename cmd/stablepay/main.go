package main

import "stablepay/internal/cli"

func main() {
	cli.Execute()
}
