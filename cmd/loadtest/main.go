// Command loadtest drives a running chat server over its WebSocket protocol.
// Tokens are signed with the server's JWT secret, so it reads the same
// CHATGUARD_* environment as the server.
//
//   - seed:     create load users and the lobby channel in postgres
//   - saturate: open N authenticated, idle connections
//   - rooms:    N users join one channel and exchange messages
//   - smoke:    one end-to-end pass over auth, join, send and rejection
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "seed":
		err = runSeed(os.Args[2:])
	case "saturate":
		err = runSaturate(os.Args[2:])
	case "rooms":
		err = runRooms(os.Args[2:])
	case "smoke":
		err = runSmoke(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  seed        Create load users and the lobby channel (needs CHATGUARD_POSTGRES_DSN)")
	fmt.Println("  saturate    Open N authenticated idle connections and hold them")
	fmt.Println("  rooms       N users join the lobby and exchange messages")
	fmt.Println("  smoke       Single end-to-end pass: auth, join, send, moderation rejection, leave")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
