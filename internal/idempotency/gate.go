// Package idempotency deduplicates mutating requests keyed by a
// caller-supplied Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hexweave/grimoire/internal/model"
	"github.com/hexweave/grimoire/internal/store"
)

// ErrConflict is returned when a key is reused with a different request
// payload against the same endpoint and scope.
var ErrConflict = errors.New("idempotency key reused with a different request")

// Disposition says what the caller should do with the request.
type Disposition int

const (
	// Proceed: this is the first time the key was seen. Run the request
	// and Commit the response.
	Proceed Disposition = iota
	// Replay: an identical request already completed. Serve the stored
	// response without re-executing.
	Replay
	// Pending: an identical request is in flight and has not committed
	// a response yet.
	Pending
)

// Outcome is the result of Begin.
type Outcome struct {
	Disposition Disposition
	RequestHash string

	// Replay only.
	Status int
	Body   []byte
}

// Gate arbitrates request execution through the store's idempotency
// records.
type Gate struct {
	store  store.Store
	logger *slog.Logger
}

func NewGate(st store.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: st, logger: logger}
}

// Begin claims the key for this request or classifies the duplicate.
// A key is scoped to (endpoint, scope) so the same key string used on
// different endpoints or by different callers never collides.
func (g *Gate) Begin(ctx context.Context, key, endpoint, scope string, payload []byte) (Outcome, error) {
	hash, err := CanonicalHash(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("hash request: %w", err)
	}

	rec := &model.IdempotencyRecord{
		Key:         key,
		Endpoint:    endpoint,
		Scope:       scope,
		RequestHash: hash,
		CreatedAt:   time.Now().UTC(),
	}
	inserted, err := g.store.InsertIdempotencyRecord(ctx, rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("insert idempotency record: %w", err)
	}
	if inserted {
		return Outcome{Disposition: Proceed, RequestHash: hash}, nil
	}

	existing, err := g.store.GetIdempotencyRecord(ctx, key, endpoint, scope)
	if err != nil {
		return Outcome{}, fmt.Errorf("load idempotency record: %w", err)
	}
	if existing.RequestHash != hash {
		g.logger.Warn("idempotency key conflict", "key", key, "endpoint", endpoint)
		return Outcome{}, ErrConflict
	}
	if existing.ResponseStatus == nil {
		return Outcome{Disposition: Pending, RequestHash: hash}, nil
	}
	return Outcome{
		Disposition: Replay,
		RequestHash: hash,
		Status:      *existing.ResponseStatus,
		Body:        existing.ResponseBody,
	}, nil
}

// Commit stores the response for later replays. The store keeps only
// the first committed response for a record.
func (g *Gate) Commit(ctx context.Context, key, endpoint, scope string, status int, body []byte) error {
	if err := g.store.CompleteIdempotencyRecord(ctx, key, endpoint, scope, status, body); err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}

// CanonicalHash digests a JSON payload with object keys recursively
// sorted, so formatting and key order do not change the hash. Array
// order is significant. Non-JSON payloads hash as raw bytes.
func CanonicalHash(payload []byte) (string, error) {
	var v any
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:]), nil
	}
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		sum := sha256.Sum256(payload)
		return hex.EncodeToString(sum[:]), nil
	}

	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kj)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		enc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(enc)
	}
	return nil
}
