package main

import (
	"os"

	"github.com/konoui/bitcode_strip/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Stdout, os.Stderr, os.Args[1:]))
}
