package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"parlor/internal/domain"
	"parlor/internal/domain/models/chat"
	"parlor/internal/service/session"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorBlue   = "\033[34m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// CLI drives one chat session from a terminal
type CLI struct {
	session *session.Session
	scanner *bufio.Scanner
	out     io.Writer
	logger  *slog.Logger

	mu   sync.Mutex
	seen map[string]string // message content already printed, by id
	live bool
}

func newCLI(s *session.Session, in io.Reader, out io.Writer, logger *slog.Logger) *CLI {
	return &CLI{
		session: s,
		scanner: bufio.NewScanner(in),
		out:     out,
		logger:  logger,
		seen:    make(map[string]string),
	}
}

// render prints streamed text as it arrives
func (cli *CLI) render(st session.State) {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	if st.IsStreaming {
		for _, m := range st.Messages {
			if m.Role != chat.RoleAssistant {
				continue
			}
			before, known := cli.seen[m.ID]
			if known && m.Content == before {
				continue
			}
			if !cli.live {
				fmt.Fprintf(cli.out, "%s> %s", colorGreen, colorReset)
				cli.live = true
			}
			if strings.HasPrefix(m.Content, before) {
				fmt.Fprint(cli.out, m.Content[len(before):])
			}
			cli.seen[m.ID] = m.Content
		}
		return
	}

	if cli.live {
		fmt.Fprintln(cli.out)
		cli.live = false
	}
	for _, m := range st.Messages {
		if m.Role == chat.RoleAssistant && strings.HasPrefix(m.Content, "Error: ") && cli.seen[m.ID] != m.Content {
			fmt.Fprintf(cli.out, "%s%s%s\n", colorRed, m.Content, colorReset)
		}
	}
	// server ids replace temporary ones after a reload
	cli.seen = make(map[string]string, len(st.Messages))
	for _, m := range st.Messages {
		cli.seen[m.ID] = m.Content
	}
}

func (cli *CLI) printHistory() {
	st := cli.session.Snapshot()
	if st.Character != nil {
		fmt.Fprintf(cli.out, "%s── %s ──%s\n", colorCyan, st.Character.Name, colorReset)
	}
	for i, m := range st.Messages {
		who := "you"
		color := colorBlue
		if m.Role == chat.RoleAssistant {
			who = "them"
			if st.Character != nil {
				who = st.Character.Name
			}
			color = colorGreen
		}
		branch := ""
		if m.Navigable() && m.CandidateCount > 1 {
			branch = fmt.Sprintf(" ‹%d/%d›", m.CandidateNo, m.CandidateCount)
		}
		fmt.Fprintf(cli.out, "%s[%d] %s%s:%s %s\n", color, i+1, who, branch, colorReset, m.Content)
	}
	if st.HasMore {
		fmt.Fprintf(cli.out, "%s(older messages not shown)%s\n", colorYellow, colorReset)
	}
	if st.Error != "" {
		fmt.Fprintf(cli.out, "%s%s%s\n", colorRed, st.Error, colorReset)
	}
}

// messageID maps a 1-based message number onto a message id
func (cli *CLI) messageID(index int) (string, error) {
	st := cli.session.Snapshot()
	if index < 1 || index > len(st.Messages) {
		return "", fmt.Errorf("no message %d (the chat has %d)", index, len(st.Messages))
	}
	return st.Messages[index-1].ID, nil
}

// execute runs one command; it reports false when the CLI should exit
func (cli *CLI) execute(ctx context.Context, cmd command) (bool, error) {
	s := cli.session
	cli.logger.Debug("command", "name", cmd.name, "index", cmd.index)

	var id string
	if cmd.index > 0 {
		var err error
		if id, err = cli.messageID(cmd.index); err != nil {
			return true, err
		}
	}

	var err error
	switch cmd.name {
	case "quit":
		return false, nil
	case "help":
		fmt.Fprintln(cli.out, helpText)
		return true, nil
	case "history":
		cli.printHistory()
		return true, nil
	case "reload":
		err = s.Reload(ctx)
	case "send":
		err = s.SendMessage(ctx, cmd.text)
	case "regen":
		err = s.Regenerate(ctx, id)
	case "edit":
		err = s.EditUserTurn(ctx, id, cmd.text)
	case "prev":
		err = s.Navigate(ctx, id, -1)
	case "next":
		err = s.Navigate(ctx, id, 1)
	case "select":
		err = s.SelectCandidate(ctx, id, cmd.candidate)
	}
	if err != nil {
		return true, err
	}

	s.Wait()
	if cmd.name != "send" {
		cli.printHistory()
	}
	return true, nil
}

// run reads commands until /quit or end of input
func (cli *CLI) run(ctx context.Context) {
	cli.printHistory()
	fmt.Fprintf(cli.out, "%sType /help for commands.%s\n", colorCyan, colorReset)

	for {
		fmt.Fprint(cli.out, "\n› ")
		if !cli.scanner.Scan() {
			return
		}
		line := strings.TrimSpace(cli.scanner.Text())
		if line == "" {
			continue
		}

		cmd, err := parseCommand(line)
		if err != nil {
			fmt.Fprintf(cli.out, "%s%v%s\n", colorYellow, err, colorReset)
			continue
		}

		more, err := cli.execute(ctx, cmd)
		if err != nil {
			cli.logger.Debug("command refused", "name", cmd.name, "error", err)
			fmt.Fprintf(cli.out, "%s%s%s\n", colorYellow, describe(err), colorReset)
		}
		if !more {
			return
		}
	}
}

// describe turns session errors into something a person can act on
func describe(err error) string {
	switch {
	case errors.Is(err, domain.ErrStreaming):
		return "Wait for the current reply to finish (Ctrl-C cancels it)."
	case errors.Is(err, domain.ErrCandidateLimit):
		return "That message has no more room for alternatives."
	case errors.Is(err, domain.ErrNotNavigable):
		return "That message has no alternatives."
	case errors.Is(err, domain.ErrNotAuthorized), errors.Is(err, domain.ErrUnauthorized):
		return "You are signed out. Restart to sign in again."
	case errors.Is(err, domain.ErrNoCharacter):
		return "The chat is not loaded yet. Try /reload."
	}
	return err.Error()
}
