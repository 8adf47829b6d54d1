package main

import (
	"github.com/luadap/luadap/cmd"
)

func main() {
	cmd.Execute()
}
