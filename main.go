package main

import "pmerge/cmd"

func main() {
	cmd.Execute()
}
