// Package client includes the interactive console that drives the sender
// duty: each command becomes one request/response exchange on the shared
// socket.
package client

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const consoleHelp = `Supported commands:
  message <user> <text>   send a message
  contacts                list your contacts
  add <user>              add a contact
  remove <user>           remove a contact
  users                   list known users
  history                 show local message history
  refresh                 re-fetch users and contacts from the server
  help                    show this help
  exit                    disconnect and quit`

// Console reads user commands from in and executes them against the
// transport. Run returns when the user exits or input is exhausted.
type Console struct {
	transport *Transport
	in        io.Reader
	out       io.Writer
}

// NewConsole wires a console to a connected transport.
func NewConsole(transport *Transport, in io.Reader, out io.Writer) *Console {
	return &Console{transport: transport, in: in, out: out}
}

// Run is the sender duty loop.
func (c *Console) Run() error {
	fmt.Fprintln(c.out, consoleHelp)
	scanner := bufio.NewScanner(c.in)

	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if c.execute(line) {
			return nil
		}
	}
}

// execute runs one command and reports whether the console should stop.
func (c *Console) execute(line string) bool {
	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]

	switch command {
	case "message":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: message <user> <text>")
			return false
		}
		to := args[0]
		text := strings.Join(args[1:], " ")
		if err := c.transport.SendMessage(to, text); err != nil {
			fmt.Fprintf(c.out, "send failed: %v\n", err)
		}

	case "contacts":
		for _, name := range c.transport.Roster().ListContacts() {
			fmt.Fprintln(c.out, name)
		}

	case "add":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: add <user>")
			return false
		}
		if err := c.transport.AddContact(args[0]); err != nil {
			fmt.Fprintf(c.out, "add failed: %v\n", err)
		}

	case "remove":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: remove <user>")
			return false
		}
		if err := c.transport.RemoveContact(args[0]); err != nil {
			fmt.Fprintf(c.out, "remove failed: %v\n", err)
		}

	case "users":
		for _, name := range c.transport.Roster().ListKnownUsers() {
			fmt.Fprintln(c.out, name)
		}

	case "history":
		for _, message := range c.transport.Roster().History() {
			fmt.Fprintf(c.out, "%s -> %s: %s\n", message.From, message.To, message.Text)
		}

	case "refresh":
		if err := c.transport.RefreshUsersAndContacts(); err != nil {
			fmt.Fprintf(c.out, "refresh failed: %v\n", err)
		}

	case "help":
		fmt.Fprintln(c.out, consoleHelp)

	case "exit":
		return true

	default:
		fmt.Fprintf(c.out, "unknown command %q; try help\n", command)
	}
	return false
}
