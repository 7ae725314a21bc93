// Command duskmesh runs the proxy mesh engine: polishing scraped proxies,
// building multi-hop chains, and tunneling client traffic through them.
package main

import (
	"github.com/proxymesh/duskmesh/internal/cmd"
)

func main() {
	cmd.Main()
}
