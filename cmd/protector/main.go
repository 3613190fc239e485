package main

import (
	"fmt"
	"os"

	"github.com/adobe/opentsdb-protector/pkg/cli"
)

// Main entry point for `protector` app
func main() {
	// Create a new app
	protectorProxy, err := cli.NewProtectorProxy()
	if err != nil {
		panic("Failed to create an instance of Protector Proxy App")
	}

	// Main entrypoint of the app
	if err := protectorProxy.Main(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
