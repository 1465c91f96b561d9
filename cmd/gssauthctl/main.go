// Command gssauthctl exercises the RPCSEC_GSS client library end-to-end:
// it resolves a cred, drives a refresh, and round-trips a demo RPC body
// through Marshal/Wrap/Unwrap against a peer.
package main

import (
	"fmt"
	"os"

	"github.com/dittofs/rpcsecgss/cmd/gssauthctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
