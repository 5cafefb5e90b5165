// Command genkey prints a fresh Ed25519 keypair for token signing, in .env form.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

func main() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
		os.Exit(1)
	}

	// The server only needs the public half.
	fmt.Printf("TOKEN_PUBLIC_KEY=%s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Printf("TOKEN_PRIVATE_KEY=%s\n", base64.StdEncoding.EncodeToString(priv))
}
