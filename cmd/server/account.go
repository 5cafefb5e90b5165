package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/eldtechnologies/chatd/internal/crypto"
)

var accountCommand = &cli.Command{
	Name:  "account",
	Usage: "Manage accounts",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Create an account and optionally mint a bearer token for it",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "name",
					Usage:    "Display name",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "avatar",
					Usage: "Avatar URL",
				},
				&cli.StringFlag{
					Name:    "key",
					Usage:   "Base64 Ed25519 private key used to sign the token",
					EnvVars: []string{"TOKEN_PRIVATE_KEY"},
				},
				&cli.DurationFlag{
					Name:  "ttl",
					Usage: "Token lifetime; 0 means no expiry",
					Value: 30 * 24 * time.Hour,
				},
			},
			Action: cmdAccountCreate,
		},
	},
}

func cmdAccountCreate(c *cli.Context) error {
	cfg := getConfig(c)
	logger := getLogger(c)

	name := c.String("name")
	if len(name) > 100 {
		return errors.New("display name must be at most 100 characters")
	}

	// Validate the key before touching the store.
	var priv ed25519.PrivateKey
	if key := c.String("key"); key != "" {
		var err error
		priv, err = crypto.ValidatePrivateKey(key)
		if err != nil {
			return fmt.Errorf("--key: %w", err)
		}
	}

	ds, err := openStore(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer ds.Close()

	account, err := ds.CreateAccount(c.Context, name, c.String("avatar"))
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	fmt.Printf("Account ID: %s\n", account.ID)

	if priv == nil {
		return nil
	}
	claims := crypto.Claims{Subject: account.ID.String()}
	if ttl := c.Duration("ttl"); ttl > 0 {
		claims.ExpiresAt = time.Now().Add(ttl).Unix()
	}
	token, err := crypto.SignToken(priv, claims)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Printf("Token: %s\n", token)
	return nil
}
