// chatterfix filters key chatter from a mechanical keyboard.
//
//	chatterfix                    Grab the keyboard and filter it (same as run)
//	chatterfix devices            List keyboards and show which one matches
//	chatterfix status             Ask the running daemon for its counters
//	chatterfix threshold <ms>     Change the running daemon's threshold
//	chatterfix stats              Show recorded chatter per key
//	chatterfix config init|show   Manage the config file
package main

import (
	"fmt"
	"os"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
