package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/eldtechnologies/chatd/internal/chat"
	"github.com/eldtechnologies/chatd/internal/registry"
)

var repairCommand = &cli.Command{
	Name:   "repair",
	Usage:  "Recompute conversations and unread counters from the message ledger",
	Action: cmdRepair,
}

func cmdRepair(c *cli.Context) error {
	cfg := getConfig(c)
	logger := getLogger(c)

	ds, err := openStore(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer ds.Close()

	svc := chat.NewService(chat.Options{Store: ds, Registry: registry.New(), Logger: logger})
	rebuilt, err := svc.Repair(c.Context)
	if err != nil {
		return fmt.Errorf("repair finished with errors after %d conversations: %w", rebuilt, err)
	}

	fmt.Printf("Rebuilt %d conversations\n", rebuilt)
	return nil
}
