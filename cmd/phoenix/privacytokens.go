package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type privacyTokensCommand struct {
	Args struct {
		JIDs []jidArg `positional-arg-name:"jid" required:"1" description:"Contact JIDs"`
	} `positional-args:"true" required:"true"`
}

func (cmd *privacyTokensCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	if _, err := c.GetPrivacyTokens(ctx, jids(cmd.Args.JIDs)); err != nil {
		return err
	}
	fmt.Printf("Issued %d token(s)\n", len(cmd.Args.JIDs))
	return nil
}
