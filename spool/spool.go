// Package spool stores received messages in a directory.
//
// Each message is written as two files named by its ULID: <id>.eml holds
// the raw message as received and <id>.msgp holds the envelope in
// MessagePack. The .msgp file is written last, so its presence marks a
// complete entry.
package spool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tinylib/msgp/msgp"

	"github.com/synqronlabs/corvid"
)

const (
	metaExt = ".msgp"
	bodyExt = ".eml"
)

var (
	ErrNotFound  = errors.New("spool: message not found")
	ErrInvalidID = errors.New("spool: invalid message ID")
)

// Entry is one spooled message.
type Entry struct {
	ID         string
	ReceivedAt time.Time
	Envelope   corvid.Envelope
}

// Spool is a directory of received messages. It is safe for concurrent use
// as long as IDs are unique.
type Spool struct {
	dir    string
	logger *slog.Logger
}

// New opens the spool at dir, creating the directory if needed.
func New(dir string, logger *slog.Logger) (*Spool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("spool: create directory: %w", err)
	}
	return &Spool{dir: dir, logger: logger}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// Deliver stores m. It has the signature of corvid.DeliverFunc.
func (s *Spool) Deliver(ctx context.Context, m *corvid.Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := ulid.ParseStrict(m.ID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, m.ID)
	}

	meta, err := marshalEntry(Entry{ID: m.ID, ReceivedAt: m.ReceivedAt, Envelope: m.Envelope})
	if err != nil {
		return fmt.Errorf("spool: encode envelope: %w", err)
	}
	if err := s.writeFile(m.ID+bodyExt, m.Raw); err != nil {
		return err
	}
	if err := s.writeFile(m.ID+metaExt, meta); err != nil {
		_ = os.Remove(filepath.Join(s.dir, m.ID+bodyExt))
		return err
	}

	s.logger.Debug("message spooled",
		slog.String("mail_id", m.ID),
		slog.Int("size", len(m.Raw)),
	)
	return nil
}

// writeFile writes through a temporary file and a rename so readers never
// see a partial file.
func (s *Spool) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("spool: create %s: %w", name, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("spool: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("spool: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("spool: close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("spool: rename %s: %w", name, err)
	}
	return nil
}

// List returns the IDs of complete entries, oldest first.
func (s *Spool) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: read directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), metaExt)
		if !ok || e.IsDir() {
			continue
		}
		if _, err := ulid.ParseStrict(id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	// ULIDs sort lexically by time.
	slices.Sort(ids)
	return ids, nil
}

// Entry reads the envelope of a spooled message.
func (s *Spool) Entry(id string) (Entry, error) {
	if _, err := ulid.ParseStrict(id); err != nil {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id+metaExt))
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("spool: read %s: %w", id, err)
	}
	return unmarshalEntry(data)
}

// Load reads a spooled message with its raw content.
func (s *Spool) Load(id string) (*corvid.Mail, error) {
	entry, err := s.Entry(id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, id+bodyExt))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("spool: read %s: %w", id, err)
	}
	return &corvid.Mail{
		ID:         entry.ID,
		Envelope:   entry.Envelope,
		Raw:        raw,
		ReceivedAt: entry.ReceivedAt,
	}, nil
}

// Remove deletes a spooled message.
func (s *Spool) Remove(id string) error {
	if _, err := ulid.ParseStrict(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	err := os.Remove(filepath.Join(s.dir, id+metaExt))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("spool: remove %s: %w", id, err)
	}
	if err := os.Remove(filepath.Join(s.dir, id+bodyExt)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("spool: remove %s: %w", id, err)
	}
	return nil
}

func marshalEntry(e Entry) ([]byte, error) {
	b := msgp.AppendMapHeader(nil, 3)
	b = msgp.AppendString(b, "id")
	b = msgp.AppendString(b, e.ID)
	b = msgp.AppendString(b, "received_at")
	b = msgp.AppendTime(b, e.ReceivedAt)
	b = msgp.AppendString(b, "envelope")
	return e.Envelope.MarshalMsg(b)
}

func unmarshalEntry(data []byte) (Entry, error) {
	var e Entry
	n, b, err := msgp.ReadMapHeaderBytes(data)
	if err != nil {
		return e, fmt.Errorf("spool: decode entry: %w", err)
	}
	for ; n > 0; n-- {
		var key []byte
		if key, b, err = msgp.ReadMapKeyZC(b); err != nil {
			return e, fmt.Errorf("spool: decode entry: %w", err)
		}
		switch string(key) {
		case "id":
			e.ID, b, err = msgp.ReadStringBytes(b)
		case "received_at":
			e.ReceivedAt, b, err = msgp.ReadTimeBytes(b)
		case "envelope":
			b, err = e.Envelope.UnmarshalMsg(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return e, fmt.Errorf("spool: decode entry %s: %w", key, err)
		}
	}
	return e, nil
}
