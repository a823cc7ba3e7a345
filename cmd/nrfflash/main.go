package main

import "github.com/OpenTraceLab/OpenTraceFlash/cmd/nrfflash/cmd"

func main() {
	cmd.Execute()
}
