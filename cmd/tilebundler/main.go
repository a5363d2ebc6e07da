package main

import "github.com/cartolab/tilebundler/internal/cmd"

func main() {
	cmd.Execute()
}
