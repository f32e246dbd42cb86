package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Badger stores messages in an embedded badger database.
//
// Keys are "msg:{hex room}:{sequence, 20 digits}:{uuid}" so a prefix scan
// over a room walks its messages in insertion order. The room id is hex
// encoded so a room id containing ':' cannot match another room's prefix.
type Badger struct {
	db        *badger.DB
	seq       *badger.Sequence
	closeOnce sync.Once
	closeErr  error
}

var sequenceKey = []byte("seq:msg")

// OpenBadger opens (or creates) a database in dir. An empty dir keeps the
// database in memory.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %q", dir)
	}
	seq, err := db.GetSequence(sequenceKey, 1000)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "lease badger sequence")
	}
	return &Badger{db: db, seq: seq}, nil
}

func roomPrefix(roomID string) []byte {
	return []byte("msg:" + hex.EncodeToString([]byte(roomID)) + ":")
}

func messageKey(msg chat.Message, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", roomPrefix(msg.RoomID), seq, msg.ID))
}

func (b *Badger) Save(ctx context.Context, draft chat.Draft) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, chat.NewStorageError("save", err)
	}
	seq, err := b.seq.Next()
	if err != nil {
		return chat.Message{}, chat.NewStorageError("save", errors.Wrap(err, "next sequence"))
	}
	msg := draft.Persisted(newID(), now())
	value, err := json.Marshal(msg)
	if err != nil {
		return chat.Message{}, chat.NewStorageError("save", errors.Wrap(err, "encode message"))
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg, seq), value)
	})
	if err != nil {
		return chat.Message{}, chat.NewStorageError("save", errors.Wrap(err, "badger set"))
	}
	return msg, nil
}

// LoadRecent scans the room prefix backwards from its end and stops once
// limit messages have been collected.
func (b *Badger) LoadRecent(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, chat.NewStorageError("load", err)
	}
	prefix := roomPrefix(roomID)
	var out []chat.Message

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var msg chat.Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return errors.Wrapf(err, "decode %s", it.Item().Key())
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, chat.NewStorageError("load", err)
	}
	reverse(out)
	return out, nil
}

func (b *Badger) Close() error {
	b.closeOnce.Do(func() {
		releaseErr := b.seq.Release()
		b.closeErr = b.db.Close()
		if b.closeErr == nil && releaseErr != nil {
			b.closeErr = errors.Wrap(releaseErr, "release badger sequence")
		}
	})
	return b.closeErr
}
