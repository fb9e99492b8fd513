// ABOUTME: CLI chat client for solon-gateway with readline-style input.
// ABOUTME: Streams answers live and keeps local conversation state reconciled.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/solon-labs/solon-gateway/internal/client"
)

// getDataPath returns the directory for client-side state.
// Priority: XDG_DATA_HOME/solon > ~/.local/share/solon
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "solon")
}

func defaultUser() string {
	if u := os.Getenv("SOLON_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local-user"
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	user := flag.String("user", defaultUser(), "User id sent to the gateway")
	flag.Parse()

	fmt.Printf("solon-chat connected to %s as %s\n", *server, *user)
	fmt.Println("Type a question and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, *user); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, server, user string) error {
	dataPath := getDataPath()
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	shadows, err := client.LoadShadowSet(filepath.Join(dataPath, "deleted.json"))
	if err != nil {
		return fmt.Errorf("loading local state: %w", err)
	}

	sessionCache, err := client.LoadSessionCache(filepath.Join(dataPath, "session.json"))
	if err != nil {
		return fmt.Errorf("loading session cache: %w", err)
	}

	remote := client.NewHTTPRemote(server, user, nil)
	state := client.NewStateStore(remote, shadows)
	sessions := client.NewSessionManager(server, sessionCache, nil)
	consumer := client.NewStreamConsumer(server, sessions, state, nil)

	// Settle unconfirmed deletions from previous runs, then load the list.
	state.Reconcile(ctx)
	if err := state.Refresh(ctx); err != nil {
		fmt.Printf("[warn] could not load conversations: %v\n", err)
	}

	scanner := bufio.NewScanner(os.Stdin)

	for {
		if active := state.ActiveID(); active != "" {
			fmt.Printf("[%s]> ", shortID(active))
		} else {
			fmt.Print("> ")
		}

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if strings.HasPrefix(input, "/") {
			runCommand(ctx, state, input)
			fmt.Println()
			continue
		}

		if err := ask(ctx, consumer, state, input); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
		fmt.Println()
	}
}

// runCommand dispatches a slash command.
func runCommand(ctx context.Context, state *client.StateStore, input string) {
	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/help":
		printHelp()

	case "/list":
		listConversations(state)

	case "/new":
		title := args
		if title == "" {
			title = "New conversation"
		}
		state.NewConversation(title)
		fmt.Printf("Started %q\n", title)

	case "/open":
		if args == "" {
			fmt.Println("Usage: /open <id>")
			return
		}
		id, ok := resolveID(state, args)
		if !ok {
			fmt.Printf("No conversation matching %q\n", args)
			return
		}
		if err := state.SelectConversation(ctx, id); err != nil {
			fmt.Printf("[error] %v\n", err)
			return
		}
		printMessages(state)

	case "/delete":
		id := state.ActiveID()
		if args != "" {
			var ok bool
			id, ok = resolveID(state, args)
			if !ok {
				fmt.Printf("No conversation matching %q\n", args)
				return
			}
		}
		if id == "" {
			fmt.Println("Usage: /delete <id> (or open a conversation first)")
			return
		}
		state.DeleteConversation(ctx, id)
		fmt.Printf("Deleted %s\n", shortID(id))

	default:
		fmt.Printf("Unknown command: %s\n", cmd)
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /list           List conversations")
	fmt.Println("  /new [title]    Start a new conversation")
	fmt.Println("  /open <id>      Open a conversation and show its messages")
	fmt.Println("  /delete [id]    Delete a conversation (active one by default)")
	fmt.Println("  /help           Show this help")
	fmt.Println("  /quit           Exit")
}

func listConversations(state *client.StateStore) {
	convs := state.Conversations()
	if len(convs) == 0 {
		fmt.Println("No conversations")
		return
	}
	active := state.ActiveID()
	for _, c := range convs {
		marker := "  "
		if c.ID == active {
			marker = "* "
		}
		fmt.Printf("%s%s  %s\n", marker, shortID(c.ID), c.Title)
	}
}

func printMessages(state *client.StateStore) {
	msgs := state.Messages()
	if len(msgs) == 0 {
		fmt.Println("(empty conversation)")
		return
	}
	for _, m := range msgs {
		prefix := "you"
		if m.Role == "assistant" {
			prefix = "solon"
		}
		fmt.Printf("[%s] %s\n", prefix, stripMarkdown(m.Text))
		for _, s := range m.Sources {
			fmt.Printf("        source: %s (%s)\n", s.Title, s.URL)
		}
		for _, rc := range m.RelatedCases {
			fmt.Printf("        case: %s, %s\n", rc.Name, rc.Citation)
		}
	}
}

// ask sends one question, echoing the answer to the terminal as it streams
// into the assistant placeholder.
func ask(ctx context.Context, consumer *client.StreamConsumer, state *client.StateStore, text string) error {
	done := make(chan error, 1)
	go func() { done <- consumer.Send(ctx, text) }()

	baseline := len(state.Messages())
	printed := 0
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		msgs := state.Messages()
		if len(msgs) < baseline {
			// Send failed and rolled the placeholder back.
			return
		}
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		if last.Role != "assistant" {
			return
		}
		if text := stripMarkdown(last.Text); len(text) > printed {
			fmt.Print(text[printed:])
			printed = len(text)
		}
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case err := <-done:
			flush()
			fmt.Println()
			if err != nil {
				return err
			}
			printAttachments(state)
			return nil
		case <-ctx.Done():
			consumer.Abort()
			return <-done
		}
	}
}

// printAttachments shows the citations attached to the finished answer.
func printAttachments(state *client.StateStore) {
	msgs := state.Messages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	for _, s := range last.Sources {
		fmt.Printf("\033[2m  source: %s (%s)\033[0m\n", s.Title, s.URL)
	}
	for _, rc := range last.RelatedCases {
		fmt.Printf("\033[2m  case: %s, %s\033[0m\n", rc.Name, rc.Citation)
	}
}

// resolveID matches a full id or a unique short prefix against the list.
func resolveID(state *client.StateStore, arg string) (string, bool) {
	var match string
	for _, c := range state.Conversations() {
		if c.ID == arg {
			return c.ID, true
		}
		if strings.HasPrefix(c.ID, arg) {
			if match != "" {
				return "", false // ambiguous
			}
			match = c.ID
		}
	}
	return match, match != ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// stripMarkdown removes common markdown formatting from text.
func stripMarkdown(s string) string {
	// Remove bold/italic markers (order matters: ** before *)
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	// Don't remove single * as it's often used for lists
	return s
}
