// Terminal client for the relay: type commands on stdin, received envelopes
// are printed to stdout.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/moodtribe/relay/internal/config"
	"github.com/moodtribe/relay/pkg/client"
	"github.com/moodtribe/relay/pkg/message"
	"go.uber.org/zap"
)

func main() {
	if dotenvErr := godotenv.Load(); dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		fmt.Printf("Failed to load .env file! %s\n", dotenvErr.Error())
	}

	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	cfg, err := config.ParseClientConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		logger.Error("Failed to parse configuration", zap.Error(err))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := client.CreateManager(client.ManagerParams{
		Origin:      cfg.Origin,
		Endpoint:    cfg.Endpoint,
		BaseDelay:   cfg.ReconnectBase,
		MaxDelay:    cfg.ReconnectMax,
		MaxAttempts: cfg.ReconnectTries,
		Logger:      logger,
		OnStateChange: func(s client.State) {
			if s == client.StateFailed {
				fmt.Fprintln(os.Stdout, "* relay unreachable, type /reconnect to try again")
			}
		},
	})
	if err != nil {
		logger.Error("Failed to create connection manager", zap.Error(err))
		os.Exit(2)
	}
	defer manager.Disconnect()

	manager.Subscribe(func(env *message.Envelope) {
		fmt.Fprintln(os.Stdout, formatEnvelope(env))
	})

	if err := manager.Connect(ctx, cfg.UserId); err != nil {
		logger.Warn("Initial connect failed, retrying in background", zap.Error(err))
	}

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
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := run(ctx, manager, cfg.UserId, line, os.Stdout); err != nil {
				if errors.Is(err, errQuit) {
					return
				}
				fmt.Fprintln(os.Stdout, "!", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func run(ctx context.Context, manager *client.Manager, userId, line string, out io.Writer) error {
	cmd, err := parseCommand(line)
	if err != nil {
		return err
	}

	switch cmd.kind {
	case commandNone:
		return nil
	case commandQuit:
		return errQuit
	case commandReconnect:
		return manager.Connect(ctx, userId)
	case commandMessage:
		return manager.SendMessage(cmd.recipientId, cmd.content)
	case commandTyping:
		return manager.SendTyping(cmd.recipientId, cmd.isTyping)
	case commandStatus:
		fmt.Fprintf(out, "* %s as %s (reconnect attempts: %d)\n", manager.State(), manager.UserID(), manager.ReconnectAttempts())
	}
	return nil
}

func formatEnvelope(env *message.Envelope) string {
	switch env.Type {
	case message.EnvelopeType_Message:
		return fmt.Sprintf("[%s] %s: %s", env.Timestamp, env.SenderId, env.Content)
	case message.EnvelopeType_Typing:
		if env.IsTyping != nil && *env.IsTyping {
			return fmt.Sprintf("* %s is typing", env.SenderId)
		}
		return fmt.Sprintf("* %s stopped typing", env.SenderId)
	}
	return fmt.Sprintf("* %s envelope: %s", env.Type, env.Raw)
}
