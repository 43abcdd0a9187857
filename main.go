package main

import "github.com/mammo0/networkminer-cli-sub000/cmd"

func main() {
	cmd.Execute()
}
