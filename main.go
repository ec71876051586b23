package main

import "github.com/Sistav/Evil-Bot/cmd"

func main() {
	cmd.Execute()
}
