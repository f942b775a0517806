package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentweave/conductor/agentrt"
	"github.com/agentweave/conductor/agents"
	"github.com/agentweave/conductor/transport/jsonrpc"
)

// JoinCmd runs a single agent out-of-process against a remote Conductor
// server over the WebSocket JSON-RPC transport.
type JoinCmd struct {
	URL          string `required:"" help:"Conductor WebSocket URL, e.g. ws://localhost:8080/ws."`
	Token        string `help:"Bearer token presented at handshake, if auth is required."`
	AgentID      string `required:"" name:"agent-id" help:"Agent id to run."`
	Class        string `default:"echo" help:"Agent class: echo, scripted."`
	Conversation int64  `required:"" name:"conversation" help:"Conversation id to join."`
}

func (c *JoinCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	client := jsonrpc.NewClient(jsonrpc.ClientConfig{URL: c.URL, Token: c.Token, Log: slog.Default()})
	defer client.Close()

	var handler agentrt.Handler
	switch c.Class {
	case "scripted":
		handler = agents.NewScripted(c.AgentID, nil)
	default:
		handler = agents.NewEcho(c.AgentID)
	}

	rt := agentrt.New(handler, client, c.Conversation, agentrt.RecoveryResume, slog.Default())
	rt.Start(ctx)

	fmt.Printf("agent %s joined conversation %d\n", c.AgentID, c.Conversation)
	<-rt.Done()
	return nil
}
