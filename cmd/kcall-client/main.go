// Command kcall-client is a terminal participant: it joins a room over the
// relay's control channel, chats, and places voice calls.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kcall/kcall/internal/client"
)

func main() {
	fs := flag.NewFlagSet("kcall-client", flag.ContinueOnError)
	server := fs.String("server", "ws://localhost:3000/ws", "relay WebSocket URL")
	room := fs.String("room", "", "room to join (required)")
	nick := fs.String("nick", "", "nickname (required)")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if *room == "" || *nick == "" {
		fmt.Fprintln(os.Stderr, "both -room and -nick are required")
		fs.Usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	media, err := client.NewPionMediaFactory(client.PionMediaConfig{Log: logger})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	sess, err := client.NewSession(client.SessionConfig{
		URL:      *server,
		Room:     *room,
		Nickname: *nick,
		Log:      logger,
		Media:    media,
		OnChat: func(from, text string) {
			fmt.Printf("<%s> %s\n", from, text)
		},
		OnJoinNotice: func(nickname string) {
			fmt.Printf("* %s joined\n", nickname)
		},
		OnLeave: func(nickname string) {
			fmt.Printf("* %s left\n", nickname)
		},
		OnState: func(state client.State) {
			switch state {
			case client.StateConnected:
				fmt.Printf("* connected to %s as %s in %q\n", *server, *nick, *room)
			case client.StateReconnecting:
				fmt.Println("* connection lost, reconnecting")
			case client.StateDisconnected:
				fmt.Println("* disconnected")
			case client.StateFailed:
				fmt.Println("* gave up reconnecting; type /reconnect to retry")
			}
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer sess.Close()

	sess.Connect()
	fmt.Println("commands: /call, /hangup, /reconnect, /quit; anything else is chat")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/call":
			if err := sess.Call(); err != nil {
				fmt.Fprintf(os.Stderr, "call: %v\n", err)
			}
		case line == "/hangup":
			if err := sess.HangUp(); err != nil {
				fmt.Fprintf(os.Stderr, "hangup: %v\n", err)
			}
		case line == "/reconnect":
			sess.Reconnect()
		case strings.HasPrefix(line, "/"):
			fmt.Fprintf(os.Stderr, "unknown command %q\n", line)
		default:
			if err := sess.SendChat(line); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
	}
}
