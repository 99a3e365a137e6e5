// generate-key prints a fresh master encryption key.
//
// Usage: go run ./scripts/generate-key
//
// Store the output as MASTER_ENCRYPTION_KEY. Every secret in the registry is
// sealed under this key; losing it makes them unrecoverable.
package main

import (
	"fmt"
	"os"

	"github.com/ekaya-inc/ekaya-vault/pkg/crypto"
)

func main() {
	key, err := crypto.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(key)
}
