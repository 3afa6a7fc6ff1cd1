package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chat-client/internal/client"
	"chat-client/internal/clock"
	"chat-client/internal/config"
	"chat-client/internal/models"
	"chat-client/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Color)

	c, err := client.New(cfg, clock.Real{})
	if err != nil {
		logger.Fatal("Failed to initialise client: %v", err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sh := newShell(c, os.Stdout)
	c.OnAuthExpired(func() {
		sh.printf(warnColor, "Your session expired, please /login again")
	})

	if sess, err := c.Resume(ctx); err == nil {
		sh.attach(sess)
	} else if !errors.Is(err, models.ErrNoSession) {
		logger.Warn("Could not resume the previous session: %v", err)
	}

	logger.Info("Using server %s", cfg.Server.BaseURL)
	sh.printf(infoColor, "Type /help for commands")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down...")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := sh.run(ctx, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

// usage is printed by /help.
const usage = `Commands:
  /register <user> <password>   create an account and sign in
  /login <user> <password>      sign in
  /contacts                     list contacts and unread counts
  /search <query>               search users
  /open <user>                  open the conversation with user
  /close                        close the conversation
  /older                        load older messages
  /history                      print the open conversation
  /typing <text>                report the compose field
  /send <text>                  send a message (bare text works too)
  /upload <path>                send a file
  /delete <id>                  delete one of your messages
  /admin users|user <id>|media <type>|purge <id>
  /logout                       sign out
  /quit                         exit`
