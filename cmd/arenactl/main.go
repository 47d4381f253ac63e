package main

import "github.com/midnightntwrk/midnight-ledger-sub005/internal/cli"

func main() {
	cli.Execute()
}
