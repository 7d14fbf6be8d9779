package main

import "github.com/DigZan/CarPi/cmd"

func main() {
	cmd.Execute()
}
