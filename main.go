package main

import "github.com/mediakeep/mediakeep/cmd"

func main() {
	cmd.Execute()
}
