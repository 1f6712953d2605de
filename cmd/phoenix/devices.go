package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type devicesCommand struct {
	NoCache bool `long:"no-cache" description:"Skip the device cache"`
	Args    struct {
		JIDs []jidArg `positional-arg-name:"jid" required:"1" description:"Account JIDs (e.g. 15551234567@s.whatsapp.net)"`
	} `positional-args:"true" required:"true"`
}

func (cmd *devicesCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	devices, err := c.ResolveDevices(ctx, jids(cmd.Args.JIDs), !cmd.NoCache, false)
	if err != nil {
		return err
	}

	fmt.Printf("Devices (%d):\n", len(devices))
	for _, d := range devices {
		fmt.Printf("  %s device %d\n", d.User, d.Device)
	}
	return nil
}
