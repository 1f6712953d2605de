package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	phoenix "github.com/Exiqonbotz/phoenix-baileys"
)

type newsletterCommand struct {
	Args struct {
		Newsletter jidArg `positional-arg-name:"newsletter" required:"true" description:"Newsletter JID (e.g. 120363...@newsletter)"`
		Message    string `positional-arg-name:"message" required:"true" description:"Text message to post"`
	} `positional-args:"true" required:"true"`
}

func (cmd *newsletterCommand) Execute(args []string) error {
	if cmd.Args.Newsletter.Server != types.NewsletterServer {
		return fmt.Errorf("%s is not a newsletter", cmd.Args.Newsletter)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	res, err := c.RelayMessage(ctx, cmd.Args.Newsletter.JID, &waE2E.Message{
		Conversation: proto.String(cmd.Args.Message),
	}, phoenix.RelayOptions{})
	if err != nil {
		return err
	}
	fmt.Printf("Posted %s to %s\n", res.ID, res.To)
	return nil
}
