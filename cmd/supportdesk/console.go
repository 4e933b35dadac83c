package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/rickgao/supportdesk-live/internal/dispatch"
	"github.com/rickgao/supportdesk-live/internal/model"
)

// errQuit ends the input loop and shuts the process down.
var errQuit = errors.New("quit")

// desk is the part of chat.Service the console drives.
type desk interface {
	Subscribe(room string)
	Unsubscribe(room string)
	Rooms() []string
	AddMessageHandler(room string, h dispatch.MessageHandler)
	RemoveMessageHandler(room string, h dispatch.MessageHandler)
	Send(room string, draft model.Draft) error
}

type commandKind int

const (
	cmdSend commandKind = iota
	cmdJoin
	cmdLeave
	cmdRooms
	cmdQuit
)

type command struct {
	kind commandKind
	room string
	text string
}

// parseLine reads one input line. Lines are "room: text" or a slash command.
func parseLine(line string) (command, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, false, nil
	}

	if strings.HasPrefix(line, "/") {
		fields := strings.Fields(line)
		switch fields[0] {
		case "/join", "/leave":
			if len(fields) != 2 {
				return command{}, false, fmt.Errorf("usage: %s <room>", fields[0])
			}
			kind := cmdJoin
			if fields[0] == "/leave" {
				kind = cmdLeave
			}
			return command{kind: kind, room: fields[1]}, true, nil
		case "/rooms":
			return command{kind: cmdRooms}, true, nil
		case "/quit":
			return command{kind: cmdQuit}, true, nil
		}
		return command{}, false, fmt.Errorf("unknown command %s", fields[0])
	}

	room, text, ok := strings.Cut(line, ":")
	room, text = strings.TrimSpace(room), strings.TrimSpace(text)
	if !ok || room == "" || text == "" {
		return command{}, false, fmt.Errorf("expected \"room: text\", got %q", line)
	}
	return command{kind: cmdSend, room: room, text: text}, true, nil
}

// console prints inbound traffic and executes typed commands. It is the
// message, notification and status handler for every room it joins.
type console struct {
	desk    desk
	verbose bool

	mu  sync.Mutex
	out io.Writer
}

func newConsole(out io.Writer, d desk, verbose bool) *console {
	return &console{out: out, desk: d, verbose: verbose}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) HandleMessage(msg model.Message) {
	ts := msg.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	switch msg.Kind {
	case model.KindJoin, model.KindLeave, model.KindAssignment:
		c.printf("%s [%s] * %s %s\n", ts.Format(time.TimeOnly), msg.RoomID, msg.Sender, strings.ToLower(string(msg.Kind)))
	default:
		c.printf("%s [%s] %s: %s\n", ts.Format(time.TimeOnly), msg.RoomID, msg.Sender, msg.Content)
	}
	if c.verbose {
		c.printf("%s", spew.Sdump(msg))
	}
}

func (c *console) HandleNotification(n model.Notification) {
	if n.Viewed {
		return
	}
	c.printf("(new activity in %s: %s)\n", n.RoomID, n.Preview)
	if c.verbose {
		c.printf("%s", spew.Sdump(n))
	}
}

func (c *console) HandleStatus(connected bool) {
	if connected {
		c.printf("-- connected\n")
	} else {
		c.printf("-- disconnected\n")
	}
}

func (c *console) join(room string) {
	c.desk.AddMessageHandler(room, c)
	c.desk.Subscribe(room)
}

func (c *console) leave(room string) {
	c.desk.Unsubscribe(room)
	c.desk.RemoveMessageHandler(room, c)
}

// exec runs one parsed command.
func (c *console) exec(cmd command) error {
	switch cmd.kind {
	case cmdJoin:
		c.join(cmd.room)
	case cmdLeave:
		c.leave(cmd.room)
	case cmdRooms:
		c.printf("rooms: %s\n", strings.Join(c.desk.Rooms(), ", "))
	case cmdQuit:
		return errQuit
	case cmdSend:
		if err := c.desk.Send(cmd.room, model.Draft{Content: cmd.text}); err != nil {
			c.printf("!! not sent: %v\n", err)
		}
	}
	return nil
}

// readInput executes lines from r until EOF, /quit or ctx is done.
func (c *console) readInput(ctx context.Context, r io.Reader, logger *slog.Logger) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	// The scanner blocks in Read and is abandoned on shutdown
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			logger.Debug("input closed")
			return nil
		case line := <-lines:
			cmd, ok, err := parseLine(line)
			if err != nil {
				c.printf("!! %v\n", err)
				continue
			}
			if !ok {
				continue
			}
			if err := c.exec(cmd); err != nil {
				return err
			}
		}
	}
}
