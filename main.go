package main

import "github.com/AshutoshRajSingh/Zeta/cmd"

func main() {
	cmd.Execute()
}
