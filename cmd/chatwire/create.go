package main

import (
	"fmt"

	client "github.com/gwillem/chatwire"
)

type createCommand struct {
	Device uint32 `long:"device" description:"Device number for this installation" default:"1"`
	Args   struct {
		ACI string `positional-arg-name:"aci" required:"true" description:"Account identity for the new account"`
	} `positional-args:"true" required:"true"`
}

func (cmd *createCommand) Execute(args []string) error {
	c := client.NewClient(clientOpts()...)
	if err := c.CreateAccount(cmd.Args.ACI, cmd.Device); err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("Account %s.%d created\n", c.ACI(), c.DeviceID())
	return nil
}
