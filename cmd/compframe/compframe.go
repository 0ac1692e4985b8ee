// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Program compframe is a command-line utility for running and talking to
// compframe transports.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/compframe"
	"github.com/creachadair/compframe/client"
	"github.com/creachadair/compframe/handler"
	"github.com/creachadair/compframe/host"
	"github.com/creachadair/compframe/packet"
	"github.com/creachadair/flax"
	"github.com/google/uuid"
)

var serveFlags = struct {
	Port    int    `flag:"port,default=5555,Port to listen on (0 picks one)"`
	Host    string `flag:"host,Host name reported in logs"`
	ID      string `flag:"id,Interface ID for the echo receiver (default random)"`
	Name    string `flag:"name,default=echo,Receiver name for the echo receiver"`
	Metrics string `flag:"metrics,Serve Prometheus metrics at this address"`
	Reject  bool   `flag:"reject-disabled,Refuse to open disabled receivers"`
	Debug   bool   `flag:"debug,Enable debug logging"`
}{}

var openFlags = struct {
	Timeout time.Duration `flag:"timeout,default=5s,Connection timeout"`
	Count   int           `flag:"count,default=1,Number of replies to wait for"`
}{}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for running and talking to compframe transports.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Run a transport with a single echo receiver.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "open",
				Usage: "<host:port> <interface-id> <name> [message...]",
				Help: `Open a channel to a receiver and exchange messages.

Each message argument is sent as one frame on the channel, and the program
prints each reply it receives. Use the "pack" command to construct binary
messages and pass "-" to read a single message from stdin.`,
				SetFlags: command.Flags(flax.MustBind, &openFlags),
				Run:      runOpen,
			},
			{
				Name:  "pack",
				Usage: "<pattern> <argument>...",
				Help:  packHelp,
				Run: func(env *command.Env) error {
					if len(env.Args) == 0 {
						return env.Usagef("Missing format argument")
					}
					var b packet.Builder
					rest, err := formatData(&b, env.Args[0], env.Args[1:])
					if err != nil {
						return err
					} else if len(rest) != 0 {
						return fmt.Errorf("extra arguments: %q", rest)
					}
					os.Stdout.Write(b.Bytes())
					return nil
				},
			},
			{
				Name: "uuid",
				Help: "Print a new random interface ID.",
				Run: func(env *command.Env) error {
					fmt.Println(uuid.NewString())
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	level := slog.LevelInfo
	if serveFlags.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	id := serveFlags.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid interface ID: %w", err)
	}

	h, err := host.New(host.Config{
		Port:           serveFlags.Port,
		Host:           serveFlags.Host,
		RejectDisabled: serveFlags.Reject,
		MetricsAddr:    serveFlags.Metrics,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.Add("echo", handler.Echo()); err != nil {
		return err
	}
	if err := h.AddReceiver("echo", id, serveFlags.Name, nil); err != nil {
		return err
	}
	log.Info("transport ready", "addr", h.Transport.Addr(), "interface", id, "name", serveFlags.Name)

	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := h.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runOpen(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("Missing required arguments")
	}
	addr, id, name := env.Args[0], env.Args[1], env.Args[2]

	ctx, cancel := context.WithTimeout(env.Context(), openFlags.Timeout)
	defer cancel()
	c, err := client.Dial(ctx, addr, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch, err := c.Open(id, name)
	if err != nil {
		return err
	}
	fmt.Printf("opened channel %d\n", ch)

	for _, arg := range env.Args[3:] {
		msg := []byte(arg)
		if arg == "-" {
			msg, err = io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
		}
		if err := c.Send(ch, msg); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		for range openFlags.Count {
			f, err := c.Recv()
			if err != nil {
				return fmt.Errorf("receive: %w", err)
			}
			printFrame(f)
		}
	}
	return c.CloseChannel(ch)
}

func printFrame(f *compframe.Frame) {
	if f.Channel != compframe.ControlChannel {
		fmt.Printf("[%d] %q\n", f.Channel, f.Payload)
		return
	}
	var rsp compframe.Response
	if err := rsp.UnmarshalBinary(f.Payload); err != nil {
		fmt.Printf("[control] invalid response: %v\n", err)
		return
	}
	fmt.Printf("[control] %v %v %s\n", rsp.Op, rsp.Result, strings.TrimSpace(rsp.Text))
}
