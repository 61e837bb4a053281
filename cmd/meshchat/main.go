// Command meshchat is a terminal demo client exercising most of meshnet's
// outward API (spec.md §6.4) over the lan transport adapter: discovery,
// auto-connect, broadcast/targeted send, and the peer/message event
// streams. It does not subscribe to the file-progress stream.
package main

import "github.com/KarpelesLab/meshnet/cmd/meshchat/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
