package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type sendGroupCommand struct {
	Args struct {
		GroupID string `positional-arg-name:"group-id" required:"true" description:"Hex group identifier (see 'chatwire groups')"`
		Message string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendGroupCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()
	if err := c.Connect(); err != nil {
		return err
	}

	ts, err := c.SendGroup(ctx, cmd.Args.GroupID, cmd.Args.Message)
	if err != nil {
		return err
	}
	fmt.Printf("Message %d sent to group %s\n", ts, cmd.Args.GroupID)
	return nil
}
