// Command cablecat joins a topic on a cable server, sends stdin lines as
// "message" events and prints everything it receives.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/cable/internal/client"
	"github.com/rickgao/cable/internal/version"
)

func main() {
	serverURL := flag.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	topic := flag.String("topic", "room:lobby", "topic to join")
	nick := flag.String("nick", "", "display name sent as ?nick=")
	event := flag.String("event", "message", "event name for stdin lines")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	endpoint, err := withNick(*serverURL, *nick)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -url: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, endpoint, *topic, *event, logger); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "cablecat: %v\n", err)
		os.Exit(1)
	}
}

func withNick(raw, nick string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if nick != "" {
		q := u.Query()
		q.Set("nick", nick)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func run(ctx context.Context, endpoint, topic, event string, logger *slog.Logger) error {
	c, err := client.Dial(ctx, client.DefaultConfig(endpoint), logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Join(ctx, topic, nil); err != nil {
		return fmt.Errorf("join %s: %w", topic, err)
	}
	fmt.Fprintf(os.Stderr, "joined %s (cablecat %s)\n", topic, version.Version)

	g, gctx := errgroup.WithContext(ctx)

	// Print everything the server sends
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case err := <-c.Errors():
				return err
			case msg, ok := <-c.Messages():
				if !ok {
					return errors.New("connection closed")
				}
				fmt.Printf("%s %s %s %s\n", msg.ReceivedAt.Format(time.TimeOnly), msg.Topic, msg.Event, msg.Data)
			}
		}
	})

	// Send stdin lines
	g.Go(func() error {
		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case line, ok := <-lines:
				if !ok {
					// EOF: leave cleanly and stop the printer
					leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
					defer cancel()
					if err := c.Leave(leaveCtx, topic); err != nil {
						return err
					}
					return context.Canceled
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if err := send(gctx, c, topic, event, line); err != nil {
					return err
				}
			}
		}
	})

	return g.Wait()
}

// send pushes line as JSON when it parses, otherwise as a string.
func send(ctx context.Context, c *client.Client, topic, event, line string) error {
	var payload any = line
	if json.Valid([]byte(line)) {
		payload = json.RawMessage(line)
	}

	reply, err := c.Push(ctx, topic, event, payload)
	if err != nil {
		var replyErr *client.ReplyError
		if errors.As(err, &replyErr) {
			fmt.Fprintf(os.Stderr, "error: %s\n", replyErr.Reason)
			return nil
		}
		return err
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", reply.Status, reply.Data)
	return nil
}
