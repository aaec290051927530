// neosphere-agent - example Neosphere agent runner
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/niopub/neosphere-go/agent"
	"github.com/niopub/neosphere-go/internal/config"
	"github.com/niopub/neosphere-go/session"
	"github.com/niopub/neosphere-go/wire"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting agent", "agent_id", cfg.AgentID, "host", cfg.Hostname, "local", cfg.IsLocal())

	queueMode := session.FailFast
	if cfg.Connection.QueueSends {
		queueMode = session.Queue
	}

	a := agent.New(session.Identity{
		AgentID:        cfg.AgentID,
		ConnectionCode: cfg.ConnectionCode,
		ClientName:     cfg.ClientName,
	}, agent.Options{
		Hostname:       cfg.Hostname,
		MediaDir:       cfg.MediaDir,
		MediaIndexPath: cfg.MediaIndexPath,
		OnGroupMessage: onGroupMessage,
		OnQuery:        onQuery,
		Session: session.Config{
			DialTimeout:       cfg.Connection.DialTimeout,
			AuthTimeout:       cfg.Connection.AuthTimeout,
			HeartbeatInterval: cfg.Connection.HeartbeatInterval,
			Backoff: session.BackoffConfig{
				Base:        cfg.Connection.BackoffBase,
				Max:         cfg.Connection.BackoffMax,
				MaxAttempts: cfg.Connection.MaxReconnects,
			},
			SendQueue: session.SendQueueConfig{
				Mode:       queueMode,
				QueueDepth: cfg.Connection.QueueDepth,
			},
		},
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		slog.Error("Failed to start agent", "error", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case <-a.Done():
		slog.Info("Session ended", "error", a.Err())
	}

	if err := a.Close(); err != nil {
		slog.Error("Failed to close agent", "error", err)
	}
	slog.Info("Agent stopped")
}

// onGroupMessage answers group traffic with a trivial acknowledgement,
// downloading any attachments first. Replace with real model inference.
func onGroupMessage(ctx context.Context, msg *wire.Envelope, client *agent.Client) {
	slog.Info("Group message", "group_id", msg.GroupID, "from_id", msg.FromID, "text", msg.Text)

	if len(msg.DataIDs) > 0 && client.Media() != nil {
		paths, err := client.Media().GetAll(ctx, msg.DataIDs...)
		if err != nil {
			slog.Warn("Attachment download failed", "error", err)
		} else {
			slog.Info("Attachments downloaded", "paths", paths)
		}
	}

	reply := fmt.Sprintf("received %q at %s", msg.Text, time.Now().Format(time.Kitchen))
	if err := client.RespondToGroup(ctx, msg.GroupID, reply, nil, nil); err != nil {
		slog.Error("Group response failed", "group_id", msg.GroupID, "error", err)
	}
}

// onQuery answers peer queries with a canned response.
func onQuery(ctx context.Context, msg *wire.Envelope, client *agent.Client) {
	slog.Info("Peer query", "from_id", msg.FromID, "query_id", msg.QueryID, "text", msg.Text)

	if err := client.RespondToQuery(ctx, msg.FromID, msg.QueryID, "no opinion on that yet", nil); err != nil {
		slog.Error("Query response failed", "query_id", msg.QueryID, "error", err)
	}
}
