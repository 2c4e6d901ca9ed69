package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type groupsCommand struct{}

func (cmd *groupsCommand) Execute(args []string) error {
	c := loadClient()
	defer c.Close()

	gs, err := c.Groups()
	if err != nil {
		return err
	}
	if len(gs) == 0 {
		fmt.Println("No groups known. Groups are discovered from received messages or 'join-group'.")
		return nil
	}
	for _, g := range gs {
		name := g.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%s  rev %-4d  %s\n", g.GroupID, g.Revision, name)
	}
	return nil
}

type joinGroupCommand struct {
	Args struct {
		MasterKey string `positional-arg-name:"master-key" required:"true" description:"Hex group master key"`
	} `positional-args:"true" required:"true"`
}

func (cmd *joinGroupCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()
	if err := c.Connect(); err != nil {
		return err
	}

	g, err := c.JoinGroup(ctx, cmd.Args.MasterKey)
	if err != nil {
		return err
	}
	fmt.Printf("Group %q at revision %d, %d members\n", g.Title, g.Revision, len(g.Members))
	return nil
}
