package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"
)

type receiveCommand struct {
	N int `short:"n" description:"Maximum number of messages to receive (0 = unlimited)" default:"0"`
}

func (cmd *receiveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()
	if err := c.Connect(); err != nil {
		return err
	}

	go func() {
		for ev := range c.Lifecycle() {
			if ev.State.Terminal() {
				fmt.Fprintf(os.Stderr, "Connection %s: %v\n", ev.State, ev.Err)
				cancel()
				return
			}
			if opts.Verbose {
				fmt.Fprintf(os.Stderr, "Connection %s\n", ev.State)
			}
		}
	}()

	fmt.Println("Listening for messages... (Ctrl+C to stop)")

	count := 0
	for msg, err := range c.Receive(ctx) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		ts := time.UnixMilli(int64(msg.Timestamp)).Format("2006-01-02 15:04:05")
		switch {
		case msg.Receipt:
			fmt.Printf("[%s] %s delivered %d\n", ts, msg.Sender, msg.Timestamp)
		case msg.GroupID != "":
			fmt.Printf("[%s] %s@%s: %s\n", ts, msg.Sender, msg.GroupID[:8], msg.Body)
		default:
			fmt.Printf("[%s] %s: %s\n", ts, msg.Sender, msg.Body)
		}
		count++
		if cmd.N > 0 && count >= cmd.N {
			break
		}
	}
	return nil
}
