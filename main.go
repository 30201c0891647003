package main

import "recambio/cmd"

func main() {
	cmd.Execute()
}
