package main

import (
	"fmt"
	"strconv"
	"strings"
)

// command is one parsed line of input. index is the 1-based message number
// shown by /history.
type command struct {
	name      string
	index     int
	candidate int
	text      string
}

const helpText = `Commands:
  <text>              send a message
  /regen N            regenerate assistant message N
  /edit N <text>      rewrite user message N
  /prev N, /next N    show the previous or next candidate of message N
  /select N C         show candidate C of message N
  /reload             reload the chat
  /history            print the chat
  /help               show this help
  /quit               exit
Ctrl-C cancels a reply in progress.`

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, fmt.Errorf("empty input")
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: "send", text: line}, nil
	}

	fields := strings.Fields(line)
	name := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]

	switch name {
	case "reload", "history", "help", "quit", "exit":
		if name == "exit" {
			name = "quit"
		}
		return command{name: name}, nil

	case "regen", "prev", "next":
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: /%s N", name)
		}
		index, err := parseIndex(args[0])
		if err != nil {
			return command{}, err
		}
		return command{name: name, index: index}, nil

	case "select":
		if len(args) != 2 {
			return command{}, fmt.Errorf("usage: /select N C")
		}
		index, err := parseIndex(args[0])
		if err != nil {
			return command{}, err
		}
		candidate, err := strconv.Atoi(args[1])
		if err != nil || candidate < 1 {
			return command{}, fmt.Errorf("candidate must be a positive number, got %q", args[1])
		}
		return command{name: name, index: index, candidate: candidate}, nil

	case "edit":
		if len(args) < 2 {
			return command{}, fmt.Errorf("usage: /edit N <text>")
		}
		index, err := parseIndex(args[0])
		if err != nil {
			return command{}, err
		}
		// keep the text as typed, minus the command and index
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		rest = strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		return command{name: name, index: index, text: rest}, nil
	}

	return command{}, fmt.Errorf("unknown command /%s (try /help)", name)
}

func parseIndex(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("message number must be a positive number, got %q", raw)
	}
	return n, nil
}
