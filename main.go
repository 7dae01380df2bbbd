package main

import "github.com/DominicWuest/cilocal/cmd"

func main() {
	cmd.Execute()
}
