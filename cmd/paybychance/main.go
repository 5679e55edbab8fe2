package main

import "github.com/paybychance/paybychance/cmd/paybychance/cmd"

func main() {
	cmd.Execute()
}
