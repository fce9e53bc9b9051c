package main

import "github.com/ledati16/drfw/cmd"

func main() {
	cmd.Execute()
}
