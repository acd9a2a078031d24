package cache

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"
)

// FileDBVersion is embedded in the on-disk path; bumping it invalidates
// older stores without any migration or collision (spec §6).
const FileDBVersion = 1

// RefreshState tracks whether a FileRecord's last-write-time has been
// checked against the filesystem during this process's lifetime.
type RefreshState int

const (
	Unrefreshed RefreshState = iota
	Refreshing
	Refreshed
)

// FileRecord is the persisted fingerprint of one file: its path, the
// last-write-time observed for it, and the set of other files it was
// found to implicitly depend on (e.g. headers pulled in by #include).
type FileRecord struct {
	Path          string
	PathHash      uint64
	LastWriteTime time.Time
	// ImplicitDeps holds the path hashes of this file's implicit
	// dependencies as persisted; Deps holds them resolved to concrete
	// records after the second load pass (spec §4.B step 6).
	ImplicitDeps []uint64
	Deps         []*FileRecord

	Refresh RefreshState
}

const numShards = 64

type fileShard struct {
	mu      sync.Mutex
	records map[uint64]*FileRecord
}

// FileDB is the file fingerprint cache: a concurrent map of path-hash to
// FileRecord, persisted as a compacted snapshot plus this process's
// append-only delta log (spec §4.B).
type FileDB struct {
	dir     string // db/<version>/<config-hash>
	logPath string
	shards  [numShards]*fileShard

	mu sync.Mutex // serializes Save()
}

func shardIndex(key uint64) uint64 { return key % numShards }

// Open loads the file database for (buildDir, configHash), applying the
// compacted snapshot followed by any leftover per-process delta logs left
// behind by crashed or concurrently running processes. Those other logs are
// deleted once applied; this process's own log, if one already exists, is
// applied and kept, and later appends extend it.
func Open(buildDir, configHash string) (*FileDB, error) {
	dir := filepath.Join(buildDir, ".sw", "db", strconv.Itoa(FileDBVersion), configHash)
	db := &FileDB{dir: dir}
	for i := range db.shards {
		db.shards[i] = &fileShard{records: make(map[uint64]*FileRecord)}
	}
	db.logPath = filepath.Join(dir, "log_"+moduleHash()+".bin")

	snapPath := filepath.Join(dir, "files.bin")
	if err := db.loadSnapshot(snapPath); err != nil {
		return nil, err
	}
	if err := db.loadLogs(dir); err != nil {
		return nil, err
	}
	db.resolveDeps()
	return db, nil
}

func (db *FileDB) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil // no-op, per spec §4.B failure modes
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

// loadLogs applies every log_*.bin file found in dir on top of the
// snapshot, then deletes each one other than this process's own log after
// successful application (spec §4.B steps 3-4). Multiple logs may exist if several processes ran
// concurrently and each appended to its own module-hash-named log.
func (db *FileDB) loadLogs(dir string) error {
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
		if err := db.applyLog(logPath); err != nil {
			return err
		}
		if logPath != db.logPath {
			os.Remove(logPath) // leftover log from an exited process
		}
	}
	return nil
}

func (db *FileDB) applyLog(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	// Torn logs are tolerated silently, never an error (spec: ErrTornLog).
	return readRecords(f, db.applyRecordBytes)
}

func (db *FileDB) applyRecordBytes(body []byte) error {
	rec, err := decodeFileRecord(body)
	if err != nil {
		return nil // malformed individual record: treat as torn, skip
	}
	db.upsertInMemory(rec)
	return nil
}

// upsertInMemory inserts rec, resolving a collision by keeping whichever
// record has the greatest LastWriteTime (spec §4.B step 5).
func (db *FileDB) upsertInMemory(rec *FileRecord) {
	shard := db.shards[shardIndex(rec.PathHash)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if existing, ok := shard.records[rec.PathHash]; ok && existing.LastWriteTime.After(rec.LastWriteTime) {
		return
	}
	shard.records[rec.PathHash] = rec
}

// resolveDeps performs the second pass of spec §4.B step 6: turning each
// record's list of dependency path hashes into direct pointers to the
// corresponding records (when present). Only called from Open, before the
// database is shared with any other goroutine, so it needs no locking of
// its own.
func (db *FileDB) resolveDeps() {
	byHash := make(map[uint64]*FileRecord)
	for _, shard := range db.shards {
		for h, rec := range shard.records {
			byHash[h] = rec
		}
	}
	for _, rec := range byHash {
		rec.Deps = rec.Deps[:0]
		for _, dh := range rec.ImplicitDeps {
			if dep, ok := byHash[dh]; ok {
				rec.Deps = append(rec.Deps, dep)
			}
		}
	}
}

// Lookup returns the cached record for path, if any.
func (db *FileDB) Lookup(path string) (*FileRecord, bool) {
	hash := pathHash(path)
	shard := db.shards[shardIndex(hash)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	rec, ok := shard.records[hash]
	return rec, ok
}

// Upsert records rec in memory and appends it to this process's delta
// log under an exclusive lock held only for the duration of the append
// (spec §5).
func (db *FileDB) Upsert(rec *FileRecord) error {
	if rec.PathHash == 0 {
		rec.PathHash = pathHash(rec.Path)
	}
	db.upsertInMemory(rec)

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
	return writeRecord(f, encodeFileRecord(rec))
}

// Save serializes every record into a fresh in-memory buffer and atomically
// replaces the compacted snapshot, then removes this process's delta log
// (its contents are now part of the snapshot).
//
// Per the resolved open question in DESIGN.md, Save always merges in the
// full in-memory map — which already contains whatever the snapshot held
// at Open time — rather than only the records touched this process; this
// is the "merge previous snapshot before save" behavior the C++ ancestor
// left disabled.
func (db *FileDB) Save() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var buf writerseeker.WriterSeeker
	for _, shard := range db.shards {
		shard.mu.Lock()
		for _, rec := range shard.records {
			if err := writeRecord(&buf, encodeFileRecord(rec)); err != nil {
				shard.mu.Unlock()
				return err
			}
		}
		shard.mu.Unlock()
	}

	snapPath := filepath.Join(db.dir, "files.bin")
	if err := os.MkdirAll(db.dir, 0755); err != nil {
		return err
	}
	lk, err := lockExclusive(snapPath)
	if err != nil {
		return err
	}
	defer lk.unlock()

	if err := renameio.WriteFile(snapPath, readAll(buf.BytesReader()), 0644); err != nil {
		return err
	}
	os.Remove(db.logPath)
	return nil
}

func readAll(r io.Reader) []byte {
	b, _ := io.ReadAll(r)
	return b
}

// encodeFileRecord serializes rec per spec §4.B/§6:
//
//	len:u64 ∥ path-hash:u64 ∥ path:utf8-nul-terminated ∥
//	last-write-time:i64-nanos ∥ n-deps:u64 ∥ dep-hash:u64 × n
func encodeFileRecord(rec *FileRecord) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, rec.PathHash)
	buf.WriteString(rec.Path)
	buf.WriteByte(0)
	binary.Write(&buf, binary.LittleEndian, rec.LastWriteTime.UnixNano())
	binary.Write(&buf, binary.LittleEndian, uint64(len(rec.ImplicitDeps)))
	for _, dh := range rec.ImplicitDeps {
		binary.Write(&buf, binary.LittleEndian, dh)
	}
	return buf.Bytes()
}

func decodeFileRecord(body []byte) (*FileRecord, error) {
	r := bytes.NewReader(body)
	rec := &FileRecord{}
	if err := binary.Read(r, binary.LittleEndian, &rec.PathHash); err != nil {
		return nil, err
	}
	path, err := readNulTerminated(r)
	if err != nil {
		return nil, err
	}
	rec.Path = path
	var nanos int64
	if err := binary.Read(r, binary.LittleEndian, &nanos); err != nil {
		return nil, err
	}
	rec.LastWriteTime = time.Unix(0, nanos)
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	rec.ImplicitDeps = make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		var dh uint64
		if err := binary.Read(r, binary.LittleEndian, &dh); err != nil {
			return nil, err
		}
		rec.ImplicitDeps = append(rec.ImplicitDeps, dh)
	}
	return rec, nil
}

func readNulTerminated(r *bytes.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", xerrors.Errorf("reading nul-terminated string: %w", err)
		}
		if b == 0 {
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
}
