// Package app wires configuration, signaling store, call session and
// consultation together for the command-line runner.
package app

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/careport/signcall/internal/call"
	"github.com/careport/signcall/internal/config"
	"github.com/careport/signcall/internal/consult"
	"github.com/careport/signcall/internal/proto"
	"github.com/careport/signcall/internal/signal"
)

type Options struct {
	// Dir is the working directory: config file and sqlite data live here.
	Dir string
	// CfgPath is the loaded config file path, for the reload watcher.
	CfgPath string
	Cfg     config.Config

	// RoomID joins an existing room as callee. Empty creates a room as caller.
	RoomID string

	// GrantConsent enables machine translation for this user without a
	// stored consent record. Intended for the CLI, where there is no
	// consent UI.
	GrantConsent bool
}

// Run executes one call from start to hang-up. It returns when the call ends,
// the user types /quit or ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	store, err := openStore(ctx, opt.Dir, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	defer store.Close()

	sig := signal.NewChannel(store)

	ended := make(chan struct{})
	var endOnce sync.Once
	endCall := func() { endOnce.Do(func() { close(ended) }) }
	var consultation *consult.Consultation

	session := call.NewSession(sig, call.Options{
		SelfID:           cfg.Identity.UserID,
		Transport:        call.NewPionTransport(cfg.Call.ICEServers),
		DataChannelLabel: cfg.Call.DataChannelLabel,
		Events: call.Events{
			OnStatus: func(status call.Status, reason string) {
				switch status {
				case call.StatusConnected:
					log.Printf("APP: call connected")
				case call.StatusEnded:
					log.Printf("APP: call ended")
					endCall()
				case call.StatusError:
					log.Printf("APP: call failed: %s", reason)
					endCall()
				}
			},
			OnRemoteChat: func(text string) {
				fmt.Printf("remote: %s\n", text)
				if consultation != nil {
					consultation.HandleRemoteChat(ctx, text)
				}
			},
			OnRemoteSignTokens: func(batch proto.SignTokenBatch) {
				fmt.Printf("remote signs: %s", strings.Join(batch.Tokens, " "))
				if batch.BackTranslation != "" {
					fmt.Printf("  (%s)", batch.BackTranslation)
				}
				fmt.Println()
				if consultation != nil {
					consultation.HandleRemoteSignTokens(batch)
				}
			},
			OnDataChannel: func(open bool) {
				if open {
					log.Printf("APP: data channel open")
				}
			},
		},
	})

	role := signal.RoleCaller
	if opt.RoomID != "" {
		role = signal.RoleCallee
	}
	consultation = consult.New(session, consult.StaticGate(opt.GrantConsent), nil, consult.Options{
		SelfID:         cfg.Identity.UserID,
		Role:           role,
		AutoSign:       cfg.Consult.AutoSign,
		CadenceMs:      cfg.Consult.CadenceMs,
		TranscriptSize: cfg.Consult.TranscriptSize,
	})

	if opt.RoomID != "" {
		if err := session.JoinRoom(ctx, opt.RoomID); err != nil {
			return fmt.Errorf("join room: %w", err)
		}
		log.Printf("APP: joined room %s", opt.RoomID)
	} else {
		roomID, err := session.CreateRoom(ctx)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		fmt.Printf("room id: %s\n", roomID)
		fmt.Println("share this id with the other party, then wait for them to join")
	}

	// Config edits take effect on the next call; log so the operator knows
	// the file was picked up.
	watcher, err := config.Watch(opt.CfgPath, func(config.Config) {})
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	go chatLoop(session, consultation)

	deleteRoom := role == signal.RoleCaller
	select {
	case <-ctx.Done():
		session.HangUp(call.HangUpOptions{DeleteRoom: deleteRoom})
		<-ended
	case <-ended:
		session.HangUp(call.HangUpOptions{DeleteRoom: deleteRoom})
	}
	return nil
}

// chatLoop reads stdin lines and sends them as chat. "/quit" hangs up.
func chatLoop(session *call.Session, consultation *consult.Consultation) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			session.HangUp(call.HangUpOptions{DeleteRoom: session.Role() == signal.RoleCaller})
			return
		}
		if !session.DataChannelReady() {
			fmt.Println("(data channel not open yet, message dropped)")
			continue
		}
		consultation.Say(line)
	}
}

// openStore builds the configured signaling store.
func openStore(ctx context.Context, dir string, cfg config.Store) (signal.Store, error) {
	switch cfg.Backend {
	case "memory":
		return signal.NewMemoryStore(), nil
	case "firestore":
		return signal.NewFirestoreStore(ctx, cfg.FirestoreProject, cfg.FirestoreCredentials, cfg.FirestoreCollection)
	case "redis":
		return signal.NewRedisStore(ctx, signal.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case "sqlite":
		return signal.OpenSQLiteStore(filepath.Join(dir, cfg.SQLitePath))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
