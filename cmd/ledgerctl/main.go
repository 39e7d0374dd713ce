// Command ledgerctl inspects and verifies ledger books directly against the
// configured PostgreSQL store.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(openPostgres).Execute(); err != nil {
		os.Exit(1)
	}
}
