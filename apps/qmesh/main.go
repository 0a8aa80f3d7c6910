package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/quatton/qmesh/apps/qmesh/cmd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "qmesh crashed: %v\n", r)
			if os.Getenv("QMESH_DEBUG") != "" {
				debug.PrintStack()
			}
			os.Exit(2)
		}
	}()

	cmd.Execute()
}
