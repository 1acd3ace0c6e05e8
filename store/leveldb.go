package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/chainguild/cgp/event"
)

// LevelStore persists guild logs in leveldb using ordered keys:
//
//	guild:<hex>:seq:<10-digit zero-padded seq> -> JSON event
//	guild:<hex>:head                           -> decimal seq
//
// Range scans over the seq prefix return events in ascending order for free.
type LevelStore struct {
	db *leveldb.DB
}

var _ Store = (*LevelStore)(nil)

// NewLevelStore opens (or creates) a leveldb-backed store at path.
func NewLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb at %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

func seqKey(guildID string, seq int64) []byte {
	return []byte(fmt.Sprintf("guild:%s:seq:%010d", guildID, seq))
}

func headKey(guildID string) []byte {
	return []byte(fmt.Sprintf("guild:%s:head", guildID))
}

func (l *LevelStore) Append(guildID string, ev *event.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(seqKey(guildID, ev.Seq), raw)
	batch.Put(headKey(guildID), []byte(strconv.FormatInt(ev.Seq, 10)))
	return l.db.Write(batch, nil)
}

func (l *LevelStore) GetLog(guildID string) ([]*event.Event, error) {
	prefix := []byte(fmt.Sprintf("guild:%s:seq:", guildID))
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []*event.Event
	for iter.Next() {
		var ev event.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", iter.Key(), err)
		}
		out = append(out, &ev)
	}
	return out, iter.Error()
}

func (l *LevelStore) GetLastEvent(guildID string) (*event.Event, error) {
	raw, err := l.db.Get(headKey(guildID), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seq, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt head pointer for %s: %w", guildID, err)
	}

	data, err := l.db.Get(seqKey(guildID, seq), nil)
	if err != nil {
		return nil, err
	}
	var ev event.Event
	if err = json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (l *LevelStore) GetGuildIDs() ([]string, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte("guild:")), nil)
	defer iter.Release()

	var ids []string
	for iter.Next() {
		key := string(iter.Key())
		if !strings.HasSuffix(key, ":head") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(key, "guild:"), ":head"))
	}
	return ids, iter.Error()
}

func (l *LevelStore) DeleteEvent(guildID string, seq int64) error {
	return l.db.Delete(seqKey(guildID, seq), nil)
}

func (l *LevelStore) Close() error {
	return l.db.Close()
}
