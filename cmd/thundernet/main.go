package main

import "github.com/MeKo-Tech/thundernet/cmd/thundernet/cmd"

func main() {
	cmd.Execute()
}
