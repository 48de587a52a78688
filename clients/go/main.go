// swb is a command line chat client for a switchboard workspace.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eldtechnologies/switchboard/clients/go/switchboard"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("SWITCHBOARD_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	user := os.Getenv("SWITCHBOARD_USER")
	cmd := os.Args[1]

	switch cmd {
	case "listen":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: swb listen <workspace> [channel...]")
			os.Exit(1)
		}
		client := connect(baseURL, os.Args[2], user)
		defer client.Close()
		for _, ch := range os.Args[3:] {
			exitOnError(client.Join(ch))
		}
		printFrames(client, 0)

	case "post":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "Usage: swb post <workspace> <channel> <message>")
			os.Exit(1)
		}
		client := connect(baseURL, os.Args[2], user)
		defer client.Close()
		exitOnError(client.SendText(os.Args[3], strings.Join(os.Args[4:], " ")))
		printFrames(client, 1)

	case "dm":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "Usage: swb dm <workspace> <user> <message>")
			os.Exit(1)
		}
		client := connect(baseURL, os.Args[2], user)
		defer client.Close()
		exitOnError(client.SendDirect(os.Args[3], strings.Join(os.Args[4:], " ")))
		printFrames(client, 1)

	case "chat":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: swb chat <workspace> <channel>")
			os.Exit(1)
		}
		chat(baseURL, os.Args[2], os.Args[3], user)

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`swb - switchboard chat client

Usage: swb <command> [options]

Commands:
  listen <workspace> [channel...]    Print direct and channel messages
  post <workspace> <channel> <msg>   Post a message to a channel
  dm <workspace> <user> <msg>        Send a direct message
  chat <workspace> <channel>         Interactive channel chat

Environment:
  SWITCHBOARD_URL    Server URL (default: http://127.0.0.1:8080)
  SWITCHBOARD_USER   User ID presented to the server`)
}

func connect(baseURL, workspace, user string) *switchboard.Client {
	if user == "" {
		fmt.Fprintln(os.Stderr, "Error: SWITCHBOARD_USER is not set")
		os.Exit(1)
	}
	client := switchboard.New(switchboard.Config{URL: baseURL, WorkspaceID: workspace, UserID: user})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	exitOnError(client.Connect(ctx))
	return client
}

// printFrames prints events until acks reaches zero after being positive,
// or forever when acks is zero.
func printFrames(client *switchboard.Client, acks int) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-client.Errors():
			exitOnError(err)
		case f, ok := <-client.Frames():
			if !ok {
				return
			}
			v, err := switchboard.Decode(f)
			exitOnError(err)
			switch ev := v.(type) {
			case *switchboard.Message:
				printMessage(ev)
			case *switchboard.Ack:
				fmt.Printf("%s %s\n", ev.MessageID, ev.State)
				if acks > 0 {
					if acks--; acks == 0 {
						return
					}
				}
			case *switchboard.Presence:
				fmt.Printf("* %s is %s\n", ev.UserID, ev.Status)
			case *switchboard.ServerError:
				exitOnError(ev)
			}
		}
	}
}

func printMessage(m *switchboard.Message) {
	ts := m.CreatedAt.Local().Format("15:04:05")
	where := "dm"
	if m.ChannelID != "" {
		where = "#" + m.ChannelID
	}
	body := m.Text()
	if body == "" {
		data, _ := json.Marshal(m.Content)
		body = string(data)
	}
	fmt.Printf("[%s] %s %s: %s\n", ts, where, m.SenderID, body)
}

func chat(baseURL, workspace, channel, user string) {
	client := connect(baseURL, workspace, user)
	defer client.Close()
	exitOnError(client.Join(channel))

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := client.SendText(channel, line); err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
				return
			}
		}
		client.Close()
	}()
	printFrames(client, 0)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
