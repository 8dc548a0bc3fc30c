// ABOUTME: Admin CLI for the parley conversation server
// ABOUTME: Lists, inspects, prompts, and destroys conversations over HTTP

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/parley/internal/agent"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/remote"
	"github.com/2389/parley/internal/task"
)

const destroyGrace = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// PARLEY_HOST names the server base URL; PARLEY_TOKEN (or the token
	// file) carries the admin bearer token.
	baseURL := os.Getenv("PARLEY_HOST")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := getToken()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	broker := remote.NewBroker(remote.Options{
		BaseURL: baseURL,
		Token:   token,
	})
	defer broker.Shutdown(context.Background(), 0)

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "list":
		err = cmdList(ctx, broker, args)
	case "count":
		err = cmdCount(ctx, broker, args)
	case "create":
		err = cmdCreate(ctx, broker, args)
	case "info":
		err = cmdInfo(ctx, broker, args)
	case "say":
		err = cmdSay(ctx, broker, args)
	case "events":
		err = cmdEvents(ctx, broker, args)
	case "destroy":
		err = cmdDestroy(ctx, broker, args)
	case "tail":
		err = cmdTail(ctx, broker)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: parley-admin <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  list [STATUS]          List conversations, optionally by status")
	fmt.Println("  count [STATUS]         Count conversations")
	fmt.Println("  create [PRESET]        Create a conversation and print its id")
	fmt.Println("  info ID                Show one conversation")
	fmt.Println("  say ID TEXT...         Send a prompt and print the replies")
	fmt.Println("  events ID              Print a conversation's event log")
	fmt.Println("  destroy ID             Destroy a conversation")
	fmt.Println("  tail                   Stream the event firehose")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PARLEY_HOST   Server base URL (default http://localhost:8080)")
	fmt.Println("  PARLEY_TOKEN  Admin bearer token")
}

// getToken returns the admin token from the environment, falling back to
// ~/.config/parley/token.
func getToken() string {
	if token := os.Getenv("PARLEY_TOKEN"); token != "" {
		return token
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	data, err := os.ReadFile(filepath.Join(configDir, "parley", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func statusFilter(args []string) (*conversation.Filter, error) {
	if len(args) == 0 {
		return nil, nil
	}
	status := conversation.Status(strings.ToUpper(args[0]))
	switch status {
	case conversation.StatusCreating, conversation.StatusReady,
		conversation.StatusDestroying, conversation.StatusDestroyed,
		conversation.StatusError:
		return &conversation.Filter{Status: &status}, nil
	}
	return nil, fmt.Errorf("unknown status %q", args[0])
}

func cmdList(ctx context.Context, broker *remote.Broker, args []string) error {
	filter, err := statusFilter(args)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tMESSAGE")
	pageID := ""
	for {
		page, err := broker.SearchConversations(ctx, filter, pageID)
		if err != nil {
			return err
		}
		for _, info := range page.Results {
			message := ""
			if info.StatusMessage != nil {
				message = *info.StatusMessage
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				info.ID, colorStatus(info.Status),
				info.CreatedAt.Format(time.RFC3339), message)
		}
		if page.NextPageID == nil {
			break
		}
		pageID = *page.NextPageID
	}
	return w.Flush()
}

func cmdCount(ctx context.Context, broker *remote.Broker, args []string) error {
	filter, err := statusFilter(args)
	if err != nil {
		return err
	}
	n, err := broker.CountConversations(ctx, filter)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func cmdCreate(ctx context.Context, broker *remote.Broker, args []string) error {
	var cfg agent.Config
	if len(args) > 0 {
		cfg.Name = args[0]
	}
	conv, err := broker.CreateConversation(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Println(conv.ID())
	return nil
}

func cmdInfo(ctx context.Context, broker *remote.Broker, args []string) error {
	conv, err := lookup(ctx, broker, args)
	if err != nil {
		return err
	}
	info := conv.Info()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", info.ID)
	fmt.Fprintf(w, "Status:\t%s\n", colorStatus(info.Status))
	if info.StatusMessage != nil {
		fmt.Fprintf(w, "Message:\t%s\n", *info.StatusMessage)
	}
	fmt.Fprintf(w, "Created:\t%s\n", info.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:\t%s\n", info.UpdatedAt.Format(time.RFC3339))
	if events, err := conv.CountEvents(ctx); err == nil {
		fmt.Fprintf(w, "Events:\t%d\n", events)
	}
	if tasks, err := conv.CountTasks(ctx); err == nil {
		fmt.Fprintf(w, "Tasks:\t%d\n", tasks)
	}
	return w.Flush()
}

func cmdSay(ctx context.Context, broker *remote.Broker, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: say ID TEXT...")
	}
	conv, err := lookup(ctx, broker, args[:1])
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")

	// Subscribe before submitting so the replies cannot race past us.
	listenerID := conv.AddListener(conversation.ListenerFunc(func(_ context.Context, ev event.Event) {
		if reply, ok := ev.Detail.(event.TextReply); ok {
			printReply(reply)
		}
	}))
	defer conv.RemoveListener(listenerID)

	t, err := conv.RunTask(ctx, task.Prompt{Text: text}, nil, 0)
	if err != nil {
		return err
	}
	if t.Status != task.StatusCompleted {
		return fmt.Errorf("prompt task finished %s", t.Status)
	}
	// Give the firehose a beat to deliver replies emitted at completion.
	time.Sleep(500 * time.Millisecond)
	return nil
}

func cmdEvents(ctx context.Context, broker *remote.Broker, args []string) error {
	conv, err := lookup(ctx, broker, args)
	if err != nil {
		return err
	}
	pageID := ""
	for {
		page, err := conv.SearchEvents(ctx, pageID)
		if err != nil {
			return err
		}
		for _, ev := range page.Results {
			printEvent(ev)
		}
		if page.NextPageID == nil {
			return nil
		}
		pageID = *page.NextPageID
	}
}

func cmdDestroy(ctx context.Context, broker *remote.Broker, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: destroy ID")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parsing conversation id: %w", err)
	}
	ok, err := broker.DestroyConversation(ctx, id, destroyGrace)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("conversation %s is absent or already destroyed", id)
	}
	fmt.Println("destroyed")
	return nil
}

func cmdTail(ctx context.Context, broker *remote.Broker) error {
	gray := color.New(color.FgHiBlack)
	gray.Println("streaming firehose, ctrl-c to stop")

	broker.AddListener(conversation.BrokerListenerFuncs{
		Event: func(_ context.Context, ev event.Event) {
			printEvent(ev)
		},
	})

	<-ctx.Done()
	return nil
}

func lookup(ctx context.Context, broker *remote.Broker, args []string) (conversation.Conversation, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("conversation id required")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return nil, fmt.Errorf("parsing conversation id: %w", err)
	}
	return broker.GetConversation(ctx, id)
}

func printReply(reply event.TextReply) {
	author := reply.Author
	if author == "" {
		author = "agent"
	}
	color.New(color.FgCyan).Printf("%s: ", author)
	fmt.Println(reply.Text)
}

func printEvent(ev event.Event) {
	gray := color.New(color.FgHiBlack)
	gray.Printf("%s %s ", ev.CreatedAt.Format("15:04:05"), shortID(ev.ConversationID))

	switch d := ev.Detail.(type) {
	case event.StatusChanged:
		fmt.Printf("%s", colorStatus(conversation.Status(d.Status)))
		if d.Message != "" {
			fmt.Printf(" (%s)", d.Message)
		}
		fmt.Println()
	case event.PromptReceived:
		color.New(color.FgGreen).Print("user: ")
		fmt.Println(d.Text)
	case event.TextReply:
		printReply(d)
	case event.TaskProgress:
		fmt.Printf("task %s %s", shortID(d.TaskID), d.Status)
		if d.Progress != nil {
			fmt.Printf(" %.0f%%", *d.Progress*100)
		}
		if d.Code != nil {
			fmt.Printf(" %s", *d.Code)
		}
		fmt.Println()
	default:
		fmt.Println(ev.Detail.Kind())
	}
}

func colorStatus(status conversation.Status) string {
	switch status {
	case conversation.StatusReady:
		return color.GreenString(string(status))
	case conversation.StatusCreating, conversation.StatusDestroying:
		return color.YellowString(string(status))
	case conversation.StatusError:
		return color.RedString(string(status))
	default:
		return color.HiBlackString(string(status))
	}
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
