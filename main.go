package main

import "github.com/markb/rtmux/cmd"

func main() {
	cmd.Execute()
}
