// Command ue-go downloads and cryptographically verifies an Omaha/CrAU
// update payload, either from a parsed Omaha XML response or a direct
// payload URL.
package main

import (
	"github.com/flatcar/ue-go/internal/clicmd"
)

func main() {
	clicmd.Execute(clicmd.NewRootCommand())
}
