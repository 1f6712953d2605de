package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/Exiqonbotz/phoenix-baileys/internal/receipts"
)

type readCommand struct {
	Participant jidArg `short:"p" long:"participant" description:"Sender within a group chat"`
	Self        bool   `long:"self" description:"Send read-self receipts (read receipts disabled)"`
	Args        struct {
		Chat jidArg   `positional-arg-name:"chat" required:"true" description:"Chat JID"`
		IDs  []string `positional-arg-name:"id" required:"1" description:"Message ids"`
	} `positional-args:"true" required:"true"`
}

func (cmd *readCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	typ := receipts.TypeRead
	if cmd.Self {
		typ = receipts.TypeReadSelf
	}
	if err := c.SendReceipt(ctx, cmd.Args.Chat.JID, cmd.Participant.JID, cmd.Args.IDs, typ); err != nil {
		return err
	}
	fmt.Printf("Marked %d message(s) in %s as read\n", len(cmd.Args.IDs), cmd.Args.Chat)
	return nil
}
