// Command lightrelay-client joins a relay room from the terminal. As a host
// it reads operations from stdin, one JSON array or ops frame per line. As
// a viewer it prints what the room sends and answers probes.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"gitlab.com/secp/services/lightrelay/internal/logger"
	"gitlab.com/secp/services/lightrelay/internal/protocol"
	"gitlab.com/secp/services/lightrelay/internal/session"
)

func main() {
	fs := pflag.NewFlagSet("lightrelay-client", pflag.ExitOnError)
	relayURL := fs.String("url", "ws://localhost:8080", "relay base URL")
	role := fs.String("role", "viewer", "host or viewer")
	room := fs.String("room", "", "room to join")
	mapFile := fs.String("map", "", "host: JSON mapping table to publish on connect")
	probeEvery := fs.Duration("probe", 0, "host: send a probe at this interval")
	logLevel := fs.String("log-level", "warn", "log level")
	fs.Parse(os.Args[1:])

	log, err := logger.New(*logLevel, "console", "lightrelay-client")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	r, ok := protocol.ParseRole(*role)
	if !ok {
		log.Fatal("invalid role", zap.String("role", *role))
	}
	if *room == "" {
		log.Fatal("--room is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings := session.DefaultSettings()
	settings.Role = r
	settings.Room = *room
	s, err := session.New(ctx, *relayURL, settings, log)
	if err != nil {
		log.Fatal("failed to start session", zap.Error(err))
	}
	defer s.Close()

	if r == protocol.RoleHost {
		if *mapFile != "" {
			if err := sendMap(s, *mapFile); err != nil {
				log.Fatal("failed to publish map", zap.Error(err))
			}
		}
		if *probeEvery > 0 {
			go probeLoop(ctx, s, *probeEvery, log)
		}
		go readOps(ctx, s, stop, log)
	}

	out := json.NewEncoder(os.Stdout)
	for ev := range s.Events() {
		switch ev := ev.(type) {
		case session.Connected:
			log.Info("connected", zap.String("url", ev.URL))
		case session.Disconnected:
			log.Warn("disconnected", zap.Error(ev.Err))
		case session.Received:
			if probe, ok := ev.Message.(*protocol.Probe); ok && r == protocol.RoleViewer {
				s.Send(&protocol.ProbeAck{ID: probe.ID})
			}
			out.Encode(printable{Type: ev.Message.Type(), Message: ev.Message})
		}
	}
}

type printable struct {
	Type    string           `json:"type"`
	Message protocol.Message `json:"message"`
}

func sendMap(s *session.Session, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []protocol.MappingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("invalid map file %s: %w", path, err)
	}
	return s.Send(&protocol.MapEnsure{Map: entries})
}

// readOps sends one ops frame per stdin line and stops the client at EOF.
func readOps(ctx context.Context, s *session.Session, stop func(), log *zap.Logger) {
	defer stop()
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ops, err := protocol.ParseOps(line)
		if err != nil {
			log.Warn("skipping line", zap.Error(err))
			continue
		}
		if err := s.Send(&protocol.Ops{Ops: ops}); err != nil {
			return
		}
	}
	// let queued frames drain before the session closes
	for s.Pending() > 0 && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
}

func probeLoop(ctx context.Context, s *session.Session, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id := ulid.Make().String()
			if err := s.Send(&protocol.Probe{ID: id}); err != nil {
				return
			}
			log.Debug("probe sent", zap.String("id", id))
		}
	}
}
