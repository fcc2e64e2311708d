// The main package for the shelfwatch executable.
package main

import "github.com/shelfwatch/shelfwatch/cmd"

func main() {
	cmd.Execute()
}
