package main

import (
	"flag"
	"os"

	"github.com/netpulse-monitoring/netpulse"
)

func main() {
	addrPtr := flag.String("l", "localhost:9100", "address to listen on")
	tokenPtr := flag.String("t", os.Getenv("NETPULSE_HUB_TOKEN"), "bearer token to require (empty disables auth)")
	flag.Parse()

	netpulse.NewMockCollector(*tokenPtr).Serve(*addrPtr)
}
