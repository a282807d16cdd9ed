package main

import (
	"fmt"
	"os"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "ordopool"
)

func main() {
	fmt.Printf("%s v%s\n", Name, Version)
	fmt.Println("Permissioned BFT replicated ledger pool")
	fmt.Println("Run cmd/ordopool to start a pool node")
	os.Exit(0)
}
