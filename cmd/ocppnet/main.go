package main

import "github.com/DragonSecurity/ocppnet/cmd"

func main() {
	cmd.Execute()
}
