package main

import "collectible-alerts/internal/cli"

func main() {
	cli.Execute()
}
