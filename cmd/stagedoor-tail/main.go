// stagedoor-tail is a minimal terminal client: it joins one room, tails its
// timeline, and sends stdin lines as messages. Mostly useful for poking at a
// server and as a worked example of the sync engine API.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/gen2brain/beeep"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"

	"github.com/stagedoor/stagedoor-go/pkg/client"
	"github.com/stagedoor/stagedoor-go/pkg/protocol"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file (default: XDG config dir)")
	serverURL  = pflag.String("server", "", "API base URL (overrides config)")
	socketURL  = pflag.String("socket", "", "websocket URL (overrides config)")
	authToken  = pflag.String("token", "", "session auth token")
	eventID    = pflag.Int64("event", 0, "event id to list rooms for")
	roomID     = pflag.Int64("room", 0, "room id to join (default: first enabled room)")
	notify     = pflag.Bool("notify", false, "desktop notification on incoming messages")
	logLevel   = pflag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
)

var (
	authorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	deletedStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func main() {
	pflag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "stagedoor-tail",
		Level: hclog.LevelFromString(*logLevel),
	})

	path := *configPath
	if path == "" {
		home, err := os.UserConfigDir()
		if err == nil {
			path = filepath.Join(home, "stagedoor", "config.toml")
		}
	}

	cfg, err := client.LoadClientConfig(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("config error: %v", err)))
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Server.BaseURL = *serverURL
	}
	if *socketURL != "" {
		cfg.Server.SocketURL = *socketURL
	}

	if *eventID == 0 {
		fmt.Fprintln(os.Stderr, "usage: stagedoor-tail --event <id> [--room <id>] [--token <token>]")
		os.Exit(2)
	}

	statePath, err := cfg.GetStateDBPath()
	if err != nil {
		logger.Warn("cannot resolve state db path", "error", err)
	}
	var state *client.State
	if statePath != "" {
		state, err = client.OpenState(statePath)
		if err != nil {
			logger.Warn("running without local state", "error", err)
		} else {
			defer state.Close()
		}
	}

	opts := []client.ClientOption{client.WithLogger(logger)}
	if state != nil {
		opts = append(opts, client.WithState(state))
	}
	c := client.New(cfg, *authToken, protocol.User{Name: "stagedoor-tail"}, opts...)
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("connect failed: %v", err)))
		os.Exit(1)
	}

	rooms, err := c.Rooms(ctx, *eventID)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("failed to list rooms: %v", err)))
		os.Exit(1)
	}

	target := pickRoom(rooms, *roomID)
	if target == nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("no joinable room found"))
		os.Exit(1)
	}

	fmt.Printf("joining %s (#%d)\n", target.Name, target.ID)

	sub := c.Subscribe(target.ID, func(ev *protocol.Event) {
		printEvent(ev)
		if *notify && ev.Kind == protocol.EventNewMessage {
			_ = beeep.Notify(target.Name, ev.Message.Author.Name+": "+ev.Message.Content, "")
		}
	})
	defer sub.Cancel()

	if err := c.SetActiveRoom(ctx, &target.ID); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("failed to join room: %v", err)))
		os.Exit(1)
	}

	for _, msg := range c.ActiveTimeline().Messages() {
		printMessage(&msg)
	}

	go readInput(ctx, c, target.ID)

	<-ctx.Done()
	fmt.Println("\nbye")
}

func pickRoom(rooms []protocol.Room, want int64) *protocol.Room {
	for i := range rooms {
		if want != 0 && rooms[i].ID == want {
			return &rooms[i]
		}
		if want == 0 && rooms[i].Enabled {
			return &rooms[i]
		}
	}
	return nil
}

func readInput(ctx context.Context, c *client.Client, roomID int64) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := c.Send(ctx, roomID, line); err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("send failed: %v", err)))
		}
	}
}

func printEvent(ev *protocol.Event) {
	switch ev.Kind {
	case protocol.EventNewMessage:
		printMessage(ev.Message)
	case protocol.EventModerated:
		fmt.Println(deletedStyle.Render(fmt.Sprintf("message %d deleted by %s", ev.MessageID, ev.DeletedBy)))
	case protocol.EventRemoved:
		fmt.Println(deletedStyle.Render(fmt.Sprintf("message %d removed", ev.MessageID)))
	}
}

func printMessage(msg *protocol.Message) {
	ts := timeStyle.Render(msg.CreatedAt.Local().Format("15:04:05"))
	if msg.Deleted {
		who := msg.DeletedBy
		if who == "" {
			who = "moderator"
		}
		fmt.Printf("%s %s\n", ts, deletedStyle.Render(fmt.Sprintf("[deleted by %s]", who)))
		return
	}
	fmt.Printf("%s %s %s\n", ts, authorStyle.Render(msg.Author.Name+":"), msg.Content)
}
