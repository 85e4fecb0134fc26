// Package eventlog defines the broadcast log contract the wallet persists its
// state to: signed events, filters and the publish/subscribe/fetch surface.
package eventlog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent flags malformed events.
var ErrInvalidEvent = errors.New("eventlog: invalid event")

// Event kinds used by the wallet.
const (
	KindDeletion      = 5
	KindDirectMessage = 14
	KindToken         = 7375
	KindWallet        = 17375
)

// Event is a signed log entry (NIP-01 layout).
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the canonical byte form the event id commits to.
func (e Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ComputeID hashes the canonical serialisation.
func (e Event) ComputeID() (string, error) {
	raw, err := e.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// TagValues returns the first value of every tag with the given name.
func (e Event) TagValues(name string) []string {
	var out []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// Time converts CreatedAt.
func (e Event) Time() time.Time { return time.Unix(e.CreatedAt, 0).UTC() }

// Filter selects events (NIP-01 REQ filter).
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   int64
	Until   int64
	Limit   int
}

// MarshalJSON renders tag filters as "#<name>" keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	out := make(map[string]any)
	if len(f.IDs) > 0 {
		out["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		out["#"+name] = values
	}
	if f.Since > 0 {
		out["since"] = f.Since
	}
	if f.Until > 0 {
		out["until"] = f.Until
	}
	if f.Limit > 0 {
		out["limit"] = f.Limit
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the wire form produced by MarshalJSON.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "since":
			err = json.Unmarshal(value, &f.Since)
		case key == "until":
			err = json.Unmarshal(value, &f.Until)
		case key == "limit":
			err = json.Unmarshal(value, &f.Limit)
		case len(key) == 2 && key[0] == '#':
			var values []string
			err = json.Unmarshal(value, &values)
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			f.Tags[key[1:]] = values
		}
		if err != nil {
			return fmt.Errorf("%w: filter field %s: %v", ErrInvalidEvent, key, err)
		}
	}
	return nil
}

// Matches reports whether ev satisfies f.
func (f Filter) Matches(ev Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for name, values := range f.Tags {
		matched := false
		for _, v := range ev.TagValues(name) {
			if containsString(values, v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && ev.CreatedAt > f.Until {
		return false
	}
	return true
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Log is the broadcast log transport.
type Log interface {
	Publish(ctx context.Context, ev Event) (string, error)
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
	Fetch(ctx context.Context, filter Filter, timeout time.Duration) ([]Event, error)
}
