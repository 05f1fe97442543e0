package main

import (
	"fmt"
	"strings"
)

type commandKind int

const (
	commandNone commandKind = iota
	commandMessage
	commandTyping
	commandReconnect
	commandStatus
	commandQuit
)

type command struct {
	kind        commandKind
	recipientId string
	content     string
	isTyping    bool
}

const usage = "commands: /to <user> <text>, /typing <user> on|off, /status, /reconnect, /quit"

// parseCommand reads one input line. Blank lines are commandNone.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{kind: commandNone}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/to":
		recipient, content, _ := strings.Cut(rest, " ")
		if recipient == "" {
			return command{}, fmt.Errorf("/to needs a recipient; %s", usage)
		}
		return command{kind: commandMessage, recipientId: recipient, content: strings.TrimSpace(content)}, nil
	case "/typing":
		fields := strings.Fields(rest)
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return command{}, fmt.Errorf("/typing <user> on|off; %s", usage)
		}
		return command{kind: commandTyping, recipientId: fields[0], isTyping: fields[1] == "on"}, nil
	case "/status":
		return command{kind: commandStatus}, nil
	case "/reconnect":
		return command{kind: commandReconnect}, nil
	case "/quit", "/exit":
		return command{kind: commandQuit}, nil
	}
	return command{}, fmt.Errorf("unknown command %q; %s", name, usage)
}
