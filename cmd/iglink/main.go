package main

import "github.com/pulseplan/iglink/cmd/iglink/cmd"

func main() {
	cmd.Execute()
}
