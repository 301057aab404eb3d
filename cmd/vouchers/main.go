// Command vouchers builds, signs and checks lazy-mint vouchers without a running service.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
