// Command chatwire is a CLI for the chatwire messaging protocol.
//
// Usage:
//
//	chatwire create-account <aci>   Initialize a local account
//	chatwire send <to> <msg>        Send a text message
//	chatwire send-group <id> <msg>  Send a message to a group
//	chatwire receive                Receive and print incoming messages
//	chatwire groups                 List known groups
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	client "github.com/gwillem/chatwire"
)

type globalOpts struct {
	DB        string `long:"db" description:"Path to database file"`
	Server    string `long:"server" description:"Chat server websocket URL"`
	TrustRoot string `long:"trust-root" description:"Hex ed25519 public key for sealed-sender validation"`
	Verbose   bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Create    createCommand    `command:"create-account" description:"Initialize a local account"`
	Send      sendCommand      `command:"send" description:"Send a text message"`
	SendGroup sendGroupCommand `command:"send-group" description:"Send a message to a group"`
	Receive   receiveCommand   `command:"receive" description:"Receive and print incoming messages"`
	Groups    groupsCommand    `command:"groups" description:"List known groups"`
	JoinGroup joinGroupCommand `command:"join-group" description:"Fetch and store a group by master key"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func clientOpts() []client.Option {
	var copts []client.Option
	if opts.DB != "" {
		copts = append(copts, client.WithDBPath(opts.DB))
	}
	if opts.Server != "" {
		copts = append(copts, client.WithWSURL(opts.Server))
	}
	if opts.TrustRoot != "" {
		raw, err := hex.DecodeString(opts.TrustRoot)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			fmt.Fprintln(os.Stderr, "Error: --trust-root must be a 64-char hex ed25519 public key")
			os.Exit(1)
		}
		copts = append(copts, client.WithTrustRoot(ed25519.PublicKey(raw)))
	}
	if opts.Verbose {
		log := logrus.New()
		log.SetLevel(logrus.DebugLevel)
		copts = append(copts, client.WithLogger(log))
	}
	return copts
}

// loadClient opens the configured account or exits with an error.
func loadClient() *client.Client {
	c := client.NewClient(clientOpts()...)
	if err := c.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c
}
