package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/careport/signcall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Call     Call     `json:"call"`
	Store    Store    `json:"store"`
	Consult  Consult  `json:"consult"`
}

type Identity struct {
	UserID string `json:"user_id"`
}

type Call struct {
	// STUN/TURN server URLs. Empty means the default public STUN server.
	ICEServers []string `json:"ice_servers"`

	// Label of the application data channel.
	DataChannelLabel string `json:"data_channel_label"`
}

type Store struct {
	// Backend selects the signaling store: memory, firestore, redis or sqlite.
	Backend string `json:"backend"`

	// Firestore settings (backend=firestore).
	FirestoreProject     string `json:"firestore_project"`
	FirestoreCredentials string `json:"firestore_credentials"`
	FirestoreCollection  string `json:"firestore_collection"`

	// Redis settings (backend=redis).
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	// SQLite settings (backend=sqlite). Relative to the config directory.
	SQLitePath string `json:"sqlite_path"`
}

type Consult struct {
	// When true, inbound chat on the callee side is run through the intent
	// extractor and answered with sign tokens.
	AutoSign bool `json:"auto_sign"`

	// Milliseconds between signs when the remote side plays a batch.
	CadenceMs int `json:"cadence_ms"`

	// How many transcript entries are retained in memory.
	TranscriptSize int `json:"transcript_size"`
}

var validBackends = map[string]bool{
	"memory":    true,
	"firestore": true,
	"redis":     true,
	"sqlite":    true,
}

func Default() Config {
	return Config{
		Identity: Identity{
			UserID: "",
		},
		Call: Call{
			ICEServers:       nil,
			DataChannelLabel: "asl",
		},
		Store: Store{
			Backend:             "memory",
			FirestoreCollection: "webrtcRooms",
			RedisAddr:           "127.0.0.1:6379",
			SQLitePath:          "data/signaling.db",
		},
		Consult: Consult{
			AutoSign:       true,
			CadenceMs:      900,
			TranscriptSize: 200,
		},
	}
}

func (c *Config) Validate() error {
	// Identity — may be empty in the file; the call layer rejects unauthenticated
	// sessions when a call actually starts.
	if c.Identity.UserID != "" {
		if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
			return fmt.Errorf("identity.user_id: %w", err)
		}
	}

	// Call
	if strings.TrimSpace(c.Call.DataChannelLabel) == "" {
		return errors.New("call.data_channel_label is required")
	}
	for _, u := range c.Call.ICEServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("call.ice_servers: %q must be a stun:/turn:/turns: url", u)
		}
	}

	// Store
	if !validBackends[c.Store.Backend] {
		return fmt.Errorf("store.backend must be one of memory, firestore, redis, sqlite (got %q)", c.Store.Backend)
	}
	switch c.Store.Backend {
	case "firestore":
		if strings.TrimSpace(c.Store.FirestoreProject) == "" {
			return errors.New("store.firestore_project is required when backend=firestore")
		}
		if strings.TrimSpace(c.Store.FirestoreCollection) == "" {
			return errors.New("store.firestore_collection is required when backend=firestore")
		}
	case "redis":
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			return errors.New("store.redis_addr is required when backend=redis")
		}
		if c.Store.RedisDB < 0 {
			return errors.New("store.redis_db must be >= 0")
		}
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return errors.New("store.sqlite_path is required when backend=sqlite")
		}
	}

	// Consult
	if c.Consult.CadenceMs < 100 || c.Consult.CadenceMs > 10_000 {
		return errors.New("consult.cadence_ms must be 100..10000")
	}
	if c.Consult.TranscriptSize <= 0 {
		return errors.New("consult.transcript_size must be > 0")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
