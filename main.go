package main

import "github.com/satriahrh/professor-bot/cmd"

func main() {
	cmd.Execute()
}
