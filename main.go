// go-merklesync is a node that keeps sets of keys in sync with its peers
// by reconciling Merkle tries over libp2p.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spacemeshos/go-merklesync/cmd"
)

var (
	version string
	commit  string
	branch  string
)

func main() {
	cmd.Version = version
	cmd.Commit = commit
	cmd.Branch = branch
	if err := cmd.NewNodeCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
