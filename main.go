package main

import "github.com/stakewatch/stakewatch/cmd"

func main() {
	cmd.Execute()
}
