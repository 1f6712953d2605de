package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type mediaConnCommand struct {
	Force bool `short:"f" long:"force" description:"Ignore the cached descriptor"`
}

func (cmd *mediaConnCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	conn, err := c.RefreshMediaConn(ctx, cmd.Force)
	if err != nil {
		return err
	}
	fmt.Printf("Media conn: ttl=%s fetched=%s\n", conn.TTL, conn.FetchedAt.Format("2006-01-02 15:04:05"))
	for _, h := range conn.Hosts {
		if h.MaxContentLengthBytes > 0 {
			fmt.Printf("  %s (max %d bytes)\n", h.Hostname, h.MaxContentLengthBytes)
		} else {
			fmt.Printf("  %s\n", h.Hostname)
		}
	}
	return nil
}
