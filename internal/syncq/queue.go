// Package syncq keeps the squadctl mutations that could not reach the
// command server, in the order they were issued, for `squadctl sync`.
package syncq

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

type Kind string

const (
	KindKeepAlive      Kind = "keepalive"
	KindWarSignUp      Kind = "war_signup"
	KindWarCancel      Kind = "war_cancel"
	KindAttackComplete Kind = "attack_complete"
)

// Command is one queued mutation in the shape /v1/sync/replay accepts.
type Command struct {
	Kind           Kind            `json:"kind"`
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	Body           json.RawMessage `json:"body,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	QueuedAt       int64           `json:"queued_at"`
}

func KeepAlive(key string) Command {
	return Command{Kind: KindKeepAlive, Method: http.MethodPost, Path: "/v1/keepalive", IdempotencyKey: key}
}

func WarSignUp(participantIDs []string, sameFaction bool, key string) Command {
	body, _ := json.Marshal(struct {
		ParticipantIDs     []string `json:"participant_ids"`
		SameFactionAllowed bool     `json:"same_faction_allowed"`
	}{participantIDs, sameFaction})
	return Command{Kind: KindWarSignUp, Method: http.MethodPost, Path: "/v1/war/signup", Body: body, IdempotencyKey: key}
}

func WarCancel(key string) Command {
	return Command{Kind: KindWarCancel, Method: http.MethodDelete, Path: "/v1/war/signup", IdempotencyKey: key}
}

func AttackComplete(battleID string, stars int, key string) Command {
	body, _ := json.Marshal(struct {
		Stars int `json:"stars"`
	}{stars})
	return Command{
		Kind:           KindAttackComplete,
		Method:         http.MethodPost,
		Path:           "/v1/war/attacks/" + url.PathEscape(battleID) + "/complete",
		Body:           body,
		IdempotencyKey: key,
	}
}

// Result is the server's verdict on one replayed command.
type Result struct {
	IdempotencyKey string `json:"idempotency_key"`
	Status         int    `json:"status"`
}

// Delivered reports whether the server reached a decision. Server faults
// leave the command queued for the next sync.
func (r Result) Delivered() bool {
	return r.Status != 0 && r.Status < http.StatusInternalServerError
}

// Queue is the on-disk command list in a squadctl state directory.
type Queue struct {
	dir string
}

func Open(stateDir string) *Queue {
	return &Queue{dir: stateDir}
}

func (q *Queue) path() string {
	return filepath.Join(q.dir, "queue.json")
}

func (q *Queue) Load() ([]Command, error) {
	raw, err := os.ReadFile(q.path())
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(raw) == 0) {
		return []Command{}, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Command
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("read sync queue: %w", err)
	}
	return out, nil
}

func (q *Queue) save(commands []Command) error {
	if err := os.MkdirAll(q.dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	raw, err := json.MarshalIndent(commands, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(q.path(), raw, 0o600)
}

// Push appends cmd unless a command with its idempotency key is queued.
func (q *Queue) Push(cmd Command, now time.Time) error {
	if cmd.IdempotencyKey == "" {
		return errors.New("queued command needs an idempotency key")
	}
	commands, err := q.Load()
	if err != nil {
		return err
	}
	for _, c := range commands {
		if c.IdempotencyKey == cmd.IdempotencyKey {
			return nil
		}
	}
	cmd.QueuedAt = now.Unix()
	return q.save(append(commands, cmd))
}

// Settle removes the commands results show as delivered and returns how
// many remain.
func (q *Queue) Settle(results []Result) (int, error) {
	delivered := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Delivered() {
			delivered[r.IdempotencyKey] = true
		}
	}
	commands, err := q.Load()
	if err != nil {
		return 0, err
	}
	kept := commands[:0]
	for _, c := range commands {
		if !delivered[c.IdempotencyKey] {
			kept = append(kept, c)
		}
	}
	return len(kept), q.save(kept)
}
