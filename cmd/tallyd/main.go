// Command tallyd serves metered text-generation sessions against a prepaid
// account ledger.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
