package main

import (
	"github.com/instanalytics/installer/cmd/instanalytics-setup/commands"
)

func main() {
	commands.Execute()
}
