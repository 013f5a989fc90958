package main

import "github.com/isaquesgti/sinistro-simplify/cmd/sinistro/cmd"

func main() {
	cmd.Execute()
}
