// Command chatclient is a small terminal client for the messenger realtime
// server. It authenticates as one identity, joins a conversation, prints
// what arrives and sends every line typed on stdin to a receiver.
//
// Usage:
//
//	chatclient -user alice -to bob -conversation c1 [-url ws://localhost:8080/ws]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/web3messenger/realtime/internal/client"
	"github.com/web3messenger/realtime/internal/logger"
	"github.com/web3messenger/realtime/internal/protocol"
)

func main() {
	fs := flag.NewFlagSet("chatclient", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket endpoint")
	user := fs.String("user", "", "identity to authenticate as (required)")
	wallet := fs.String("wallet", "", "wallet address (defaults to the identity)")
	to := fs.String("to", "", "receiver identity for typed lines (required)")
	conversation := fs.String("conversation", "", "conversation to join (required)")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Parse(os.Args[1:])

	if *user == "" || *to == "" || *conversation == "" {
		fs.Usage()
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logger.New("dev", level)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	cfg := client.DefaultConfig(*url)
	cfg.UserID = *user
	cfg.WalletAddress = *wallet
	c := client.New(cfg)

	joined := make(chan struct{}, 1)
	c.OnConnectionChange(func(s client.ConnectionState) {
		switch {
		case s.Authenticated:
			fmt.Printf("* authenticated as %s\n", *user)
			// Rooms do not survive a reconnect.
			if err := c.JoinConversation(*conversation); err != nil {
				fmt.Printf("! join %s: %v\n", *conversation, err)
				return
			}
			select {
			case joined <- struct{}{}:
			default:
			}
		case s.Connected:
			fmt.Println("* connected")
		case s.Err != nil:
			fmt.Printf("* connection lost: %v\n", s.Err)
		default:
			fmt.Println("* disconnected")
		}
	})
	c.OnMessage(func(m protocol.NewMessage) {
		fmt.Printf("[%s] %s: %s\n", m.ConversationID, m.SenderID, m.Content)
	})
	c.OnPayment(func(p protocol.PaymentReceived) {
		fmt.Printf("$ %s sent %s %s (tx %s)\n", p.Sender, p.Amount, p.Currency, p.TxHash)
	})
	c.OnTyping(func(t protocol.UserTyping) {
		if t.IsTyping {
			fmt.Printf("  %s is typing...\n", t.UserID)
		}
	})
	c.OnStatusChange(func(s protocol.UserStatusChanged) {
		fmt.Printf("* %s is %s\n", s.UserID, s.Status)
	})
	c.OnError(func(e *client.RejectedError) {
		fmt.Printf("! %v\n", e)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	select {
	case <-joined:
	case <-time.After(10 * time.Second):
		fmt.Fprintln(os.Stderr, "authentication timed out")
		os.Exit(1)
	case <-ctx.Done():
		return
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			send(ctx, c, *to, *conversation, line)
		}
	}
}

// send handles one input line. Lines starting with "/" are commands.
func send(ctx context.Context, c *client.Client, to, conversation, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if cmd, arg, _ := strings.Cut(line, " "); strings.HasPrefix(cmd, "/") {
		var err error
		switch cmd {
		case "/status":
			err = c.UpdateStatus(arg)
		case "/online":
			fmt.Printf("* online: %s\n", strings.Join(c.OnlineUsers(), ", "))
		case "/typing":
			err = c.StartTyping(conversation)
		case "/idle":
			err = c.StopTyping(conversation)
		default:
			fmt.Println("! commands: /status online|away|offline, /online, /typing, /idle")
		}
		if err != nil {
			fmt.Printf("! %v\n", err)
		}
		return
	}

	receipt, err := c.SendMessage(to, conversation, line, false)
	if err != nil {
		fmt.Printf("! send: %v\n", err)
		return
	}
	go func() {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := receipt.Wait(wctx); err != nil {
			fmt.Printf("! not delivered: %v\n", err)
		}
	}()
}
