package cache

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/renameio"
	"github.com/orcaman/writerseeker"
)

// CommandDBVersion is embedded in the on-disk path (spec §6).
const CommandDBVersion = 1

// CommandDB is the command result cache: a concurrent map of command-key
// to outputs-hash, persisted with the same mechanics as FileDB (spec
// §4.C).
type CommandDB struct {
	dir     string
	logPath string
	shards  [numShards]*cmdShard
	mu      sync.Mutex
}

type cmdShard struct {
	mu      sync.Mutex
	records map[uint64]uint64 // command-key -> outputs-hash
}

// OpenCommandDB loads the command result database rooted at buildDir.
// Unlike FileDB, there is exactly one command database per build
// directory (it is not keyed by settings configuration, since a
// command's key already incorporates every setting that affects it).
func OpenCommandDB(buildDir string) (*CommandDB, error) {
	dir := filepath.Join(buildDir, ".sw", "db", strconv.Itoa(CommandDBVersion))
	db := &CommandDB{dir: dir}
	for i := range db.shards {
		db.shards[i] = &cmdShard{records: make(map[uint64]uint64)}
	}
	db.logPath = filepath.Join(dir, "log_"+moduleHash()+".bin")

	if err := db.loadSnapshot(filepath.Join(dir, "commands.bin")); err != nil {
		return nil, err
	}
	if err := db.loadLogs(dir); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *CommandDB) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	lk, err := lockShared(path)
	if err != nil {
		return err
	}
	defer lk.unlock()

	if err := readRecords(f, db.applyRecordBytes); err != nil {
		return errCorrupt(path, err)
	}
	return nil
}

func (db *CommandDB) loadLogs(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if len(name) < 4 || name[:4] != "log_" {
			continue
		}
		logPath := filepath.Join(dir, name)
		f, err := os.Open(logPath)
		if err != nil {
			continue
		}
		err = readRecords(f, db.applyRecordBytes) // torn logs tolerated silently
		f.Close()
		if err != nil {
			return err
		}
		if logPath != db.logPath {
			os.Remove(logPath)
		}
	}
	return nil
}

func (db *CommandDB) applyRecordBytes(body []byte) error {
	if len(body) != 16 {
		return nil // malformed record, treat as torn
	}
	key := binary.LittleEndian.Uint64(body[:8])
	hash := binary.LittleEndian.Uint64(body[8:])
	shard := db.shards[shardIndex(key)]
	shard.mu.Lock()
	shard.records[key] = hash
	shard.mu.Unlock()
	return nil
}

// Lookup returns the recorded outputs-hash for key, if any.
func (db *CommandDB) Lookup(key uint64) (uint64, bool) {
	shard := db.shards[shardIndex(key)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	hash, ok := shard.records[key]
	return hash, ok
}

// Upsert records that key produced outputsHash, both in memory and in this
// process's delta log.
func (db *CommandDB) Upsert(key, outputsHash uint64) error {
	shard := db.shards[shardIndex(key)]
	shard.mu.Lock()
	shard.records[key] = outputsHash
	shard.mu.Unlock()

	lk, err := lockExclusive(db.logPath)
	if err != nil {
		return err
	}
	defer lk.unlock()

	f, err := os.OpenFile(db.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	var body [16]byte
	binary.LittleEndian.PutUint64(body[:8], key)
	binary.LittleEndian.PutUint64(body[8:], outputsHash)
	return writeRecord(f, body[:])
}

// Save persists the full in-memory map as a fresh snapshot and removes
// this process's delta log.
func (db *CommandDB) Save() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var buf writerseeker.WriterSeeker
	for _, shard := range db.shards {
		shard.mu.Lock()
		for key, hash := range shard.records {
			var body [16]byte
			binary.LittleEndian.PutUint64(body[:8], key)
			binary.LittleEndian.PutUint64(body[8:], hash)
			if err := writeRecord(&buf, body[:]); err != nil {
				shard.mu.Unlock()
				return err
			}
		}
		shard.mu.Unlock()
	}

	snapPath := filepath.Join(db.dir, "commands.bin")
	if err := os.MkdirAll(db.dir, 0755); err != nil {
		return err
	}
	lk, err := lockExclusive(snapPath)
	if err != nil {
		return err
	}
	defer lk.unlock()

	data, err := io.ReadAll(buf.BytesReader())
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(snapPath, data, 0644); err != nil {
		return err
	}
	os.Remove(db.logPath)
	return nil
}
