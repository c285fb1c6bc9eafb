package main

import "github.com/CrabeDeFrance/urcu-ht/cmd"

func main() {
	cmd.Execute()
}
