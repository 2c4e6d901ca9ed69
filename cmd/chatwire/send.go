package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type sendCommand struct {
	Args struct {
		Recipient string `positional-arg-name:"recipient" required:"true" description:"Recipient account identity"`
		Message   string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()
	if err := c.Connect(); err != nil {
		return err
	}

	ts, err := c.Send(ctx, cmd.Args.Recipient, cmd.Args.Message)
	if err != nil {
		return err
	}
	fmt.Printf("Message %d sent to %s\n", ts, cmd.Args.Recipient)
	return nil
}
