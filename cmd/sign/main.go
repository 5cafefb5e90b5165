// Command sign mints a bearer token for an existing account.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/chatd/internal/crypto"
)

func main() {
	privKeyB64 := flag.String("key", os.Getenv("TOKEN_PRIVATE_KEY"), "Base64-encoded Ed25519 private key (default $TOKEN_PRIVATE_KEY)")
	accountID := flag.String("account", "", "Account UUID")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime; 0 means no expiry")
	flag.Parse()

	if *privKeyB64 == "" || *accountID == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -account <account-uuid> [-key <private-key-base64>] [-ttl 24h]")
		os.Exit(1)
	}

	id, err := uuid.Parse(*accountID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid account ID: %v\n", err)
		os.Exit(1)
	}

	privKey, err := crypto.ValidatePrivateKey(*privKeyB64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid private key: %v\n", err)
		os.Exit(1)
	}

	claims := crypto.Claims{Subject: id.String()}
	if *ttl > 0 {
		claims.ExpiresAt = time.Now().Add(*ttl).Unix()
	}

	token, err := crypto.SignToken(privKey, claims)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Authorization: Bearer %s\n", token)
}
