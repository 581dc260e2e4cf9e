package main

import (
	"log"

	"github.com/austindbirch/indexhook/cmd/indexctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
