// Command boardcli joins a board room from the terminal. It prints room
// activity and reads commands from stdin:
//
//	/rect X Y W H     place a rectangle
//	/circle X Y R     place a circle
//	/line X1 Y1 X2 Y2 place a line
//	/text X Y WORDS   place a text element
//	/erase ID         remove an element for everyone
//	/undo, /redo      local undo and redo
//	/list             print the board
//	anything else     sent as chat
//
// Usage:
//
//	go run ./cmd/boardcli -room demo [-user alice -secret $JWT_SECRET] [-demo]
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/arjunkumar811/Excalidraw/internal/auth"
	"github.com/arjunkumar811/Excalidraw/internal/board"
	"github.com/arjunkumar811/Excalidraw/internal/client"
	"github.com/arjunkumar811/Excalidraw/internal/config"
	"github.com/arjunkumar811/Excalidraw/internal/protocol"
)

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket URL")
	apiBase := flag.String("history", "http://localhost:8080", "history API base URL, empty to skip")
	room := flag.String("room", "demo", "room to join")
	token := flag.String("token", "", "JWT or guest credential")
	user := flag.String("user", "", "mint a token for this user id with -secret")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret used with -user")
	demo := flag.Bool("demo", false, "draw one of each shape after connecting")
	backoff := flag.Duration("backoff", client.DefaultBackoff, "delay between reconnect attempts")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	logCfg := config.Config{LogLevel: "warn"}
	if *debug {
		logCfg.LogLevel = "debug"
	}
	logger := logCfg.NewLogger(os.Stderr)

	cred, err := credential(*token, *user, *secret)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connected := make(chan struct{}, 1)
	cfg := client.Config{
		URL:     *wsURL,
		Token:   cred,
		RoomID:  *room,
		Backoff: *backoff,
		Logger:  logger,
		OnState: func(st client.State, retryAt time.Time) {
			switch st {
			case client.StateDisconnected:
				fmt.Printf("* disconnected, retrying at %s\n", retryAt.Format(time.TimeOnly))
			case client.StateConnected:
				fmt.Printf("* connected to %s\n", *room)
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
	}
	if *apiBase != "" {
		cfg.History = client.HTTPHistory(*apiBase, nil)
	}
	c := client.New(cfg)
	printActivity(c)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	if *demo {
		go func() {
			select {
			case <-connected:
				drawDemo(c)
			case <-ctx.Done():
			}
		}()
	}
	go readCommands(c, os.Stdin)

	if err := <-done; err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, client.ErrUnauthorized) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func credential(token, user, secret string) (string, error) {
	switch {
	case token != "":
		return token, nil
	case user != "":
		if secret == "" {
			return "", errors.New("boardcli: -user needs -secret or JWT_SECRET")
		}
		return auth.Issue([]byte(secret), user, 24*time.Hour)
	default:
		return "guest_" + uuid.NewString()[:8], nil
	}
}

func printActivity(c *client.Client) {
	c.On(protocol.TypeUserCount, func(f protocol.ServerFrame) {
		fmt.Printf("* %d in room\n", f.Count)
	})
	c.On(protocol.TypeChat, func(f protocol.ServerFrame) {
		fmt.Printf("<%s> %s\n", f.UserID, f.Message)
	})
	c.On(protocol.TypeDrawing, func(f protocol.ServerFrame) {
		if e, ok := board.ParseElement(f.Message); ok {
			fmt.Printf("+ %s %s by %s\n", e.Type, e.ID, f.UserID)
		}
	})
	c.On(protocol.TypeElementRemoved, func(f protocol.ServerFrame) {
		fmt.Printf("- %s by %s\n", f.ElementID, f.UserID)
	})
	c.On(protocol.TypeError, func(f protocol.ServerFrame) {
		fmt.Printf("! %s: %s\n", f.Code, f.Message)
	})
	c.On(protocol.TypeRateLimited, func(f protocol.ServerFrame) {
		fmt.Printf("! rate limited, retry in %ds\n", f.RetryAfter)
	})
}

func readCommands(c *client.Client, in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := command(c, line); err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
}

func command(c *client.Client, line string) error {
	if !strings.HasPrefix(line, "/") {
		return c.Chat(line)
	}
	fields := strings.Fields(line)
	b := c.Board()

	switch fields[0] {
	case "/rect":
		n, err := floats(fields[1:], 4)
		if err != nil {
			return err
		}
		return place(c, board.ToolRectangle, n[0], n[1], n[0]+n[2], n[1]+n[3])
	case "/circle":
		n, err := floats(fields[1:], 3)
		if err != nil {
			return err
		}
		return place(c, board.ToolCircle, n[0], n[1], n[0]+n[2], n[1])
	case "/line":
		n, err := floats(fields[1:], 4)
		if err != nil {
			return err
		}
		return place(c, board.ToolLine, n[0], n[1], n[2], n[3])
	case "/text":
		if len(fields) < 4 {
			return errors.New("usage: /text X Y WORDS")
		}
		n, err := floats(fields[1:3], 2)
		if err != nil {
			return err
		}
		if err := b.Begin(board.ToolText, n[0], n[1]); err != nil {
			return err
		}
		b.SetText(strings.Join(fields[3:], " "))
		_, err = c.Place()
		return err
	case "/erase":
		if len(fields) != 2 {
			return errors.New("usage: /erase ID")
		}
		return c.Erase(fields[1])
	case "/undo":
		if e, ok := b.Undo(); ok {
			fmt.Printf("* undid %s\n", e.ID)
		}
		return nil
	case "/redo":
		if e, ok := b.Redo(); ok {
			fmt.Printf("* redid %s\n", e.ID)
		}
		return nil
	case "/list":
		for _, e := range b.Elements() {
			fmt.Printf("  %-9s %s at (%g,%g)\n", e.Type, e.ID, e.X, e.Y)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

func place(c *client.Client, tool board.Tool, x1, y1, x2, y2 float64) error {
	if err := c.Board().Begin(tool, x1, y1); err != nil {
		return err
	}
	c.Board().Move(x2, y2)
	e, err := c.Place()
	if err == nil {
		fmt.Printf("* placed %s %s\n", e.Type, e.ID)
	}
	return err
}

func floats(args []string, n int) ([]float64, error) {
	if len(args) != n {
		return nil, fmt.Errorf("expected %d numbers, got %d", n, len(args))
	}
	out := make([]float64, n)
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", a)
		}
		out[i] = v
	}
	return out, nil
}

func drawDemo(c *client.Client) {
	steps := []struct {
		tool           board.Tool
		x1, y1, x2, y2 float64
	}{
		{board.ToolRectangle, 20, 20, 140, 100},
		{board.ToolCircle, 220, 60, 260, 60},
		{board.ToolDiamond, 300, 20, 380, 100},
		{board.ToolArrow, 20, 160, 200, 160},
		{board.ToolLine, 220, 140, 380, 200},
	}
	for _, s := range steps {
		if err := place(c, s.tool, s.x1, s.y1, s.x2, s.y2); err != nil {
			fmt.Printf("! demo: %v\n", err)
			return
		}
	}

	b := c.Board()
	if err := b.Begin(board.ToolPencil, 20, 240); err != nil {
		fmt.Printf("! demo: %v\n", err)
		return
	}
	for i := 1; i <= 8; i++ {
		b.Move(20+float64(i)*20, 240+float64(i%2)*20)
	}
	if _, err := c.Place(); err != nil {
		fmt.Printf("! demo: %v\n", err)
	}
}
