package main

import (
	"log"

	"github.com/shaunagostinho/powerfc-dash/cmd/pfcdash/cmd"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	cmd.Execute()
}
