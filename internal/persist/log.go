package persist

import (
	"bufio"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"

	"github.com/charmander/iptooled/internal/reputation"
)

// queueCapacity bounds the records waiting for the writer. A full queue
// blocks the enqueuing client, coupling acceptance rate to durability.
const queueCapacity = 32

// Log is the durable operation log: a key header followed by
// fixed-width, hash-chained records. Appends go through a bounded queue
// drained by a single writer goroutine; encoding happens on the
// caller's side so the chain advances in the order operations were
// accepted.
type Log struct {
	file    *os.File
	path    string
	codec   *Codec
	queue   chan []byte
	done    chan struct{}
	records atomic.Int64
}

// Open opens or creates the log at path, replaying every complete
// record into tree and verifying the chain as it goes. An incomplete
// trailing record is truncated away; a complete record with a wrong tag
// is a *ReplayError. On success the log is ready for appends and the
// writer goroutine is running.
func Open(path string, tree *reputation.SpamTree) (*Log, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	l, err := open(file, path, tree)
	if err != nil {
		file.Close()
		return nil, err
	}

	go l.writeLoop()
	return l, nil
}

func open(file *os.File, path string, tree *reputation.SpamTree) (*Log, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	var key [KeySize]byte

	switch {
	case info.Size() == 0:
		if _, err := rand.Read(key[:]); err != nil {
			return nil, fmt.Errorf("generating log keys: %w", err)
		}
		if _, err := file.Write(key[:]); err != nil {
			return nil, fmt.Errorf("writing log header: %w", err)
		}
		log.Printf("[Persist] created %s with fresh keys", path)

	case info.Size() < HeaderSize:
		return nil, fmt.Errorf("%s is shorter than its %d-byte key header", path, HeaderSize)

	default:
		if _, err := io.ReadFull(file, key[:]); err != nil {
			return nil, fmt.Errorf("reading log header: %w", err)
		}
	}

	l := &Log{
		file:  file,
		path:  path,
		codec: NewCodec(key),
		queue: make(chan []byte, queueCapacity),
		done:  make(chan struct{}),
	}

	if err := l.replay(tree); err != nil {
		return nil, err
	}

	return l, nil
}

// replay applies every complete record to the tree, verifying the
// chain, then positions the file for append past the last valid record.
func (l *Log) replay(tree *reputation.SpamTree) error {
	reader := bufio.NewReader(l.file)
	rec := make([]byte, RecordSize)
	records := int64(0)
	partial := false

	for {
		_, err := io.ReadFull(reader, rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			partial = true
			break
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", l.path, err)
		}

		op, err := l.codec.Verify(rec)
		if err != nil {
			return &ReplayError{Record: records, Err: err}
		}

		tree.ApplyLogged(op)
		records++
	}

	end := HeaderSize + records*RecordSize
	if partial {
		log.Printf("[Persist] %s: dropping a partial trailing record after %d complete records", l.path, records)
		if err := l.file.Truncate(end); err != nil {
			return fmt.Errorf("truncating partial record: %w", err)
		}
	}
	if _, err := l.file.Seek(end, io.SeekStart); err != nil {
		return err
	}

	l.records.Store(records)
	if records > 0 {
		log.Printf("[Persist] replayed %d records from %s", records, l.path)
	}
	return nil
}

// Encode serializes an accepted operation and advances the hash chain.
// The caller must hold the same exclusive access it held while applying
// the operation, so chain order equals apply order.
func (l *Log) Encode(op reputation.TreeOperation) []byte {
	return l.codec.Encode(op)
}

// Enqueue hands an encoded record to the writer. Blocks while the
// queue is full. Records are written in enqueue order, so records must
// be enqueued in the order they were encoded.
func (l *Log) Enqueue(rec []byte) {
	l.queue <- rec
}

// RecordCount returns the number of records replayed plus appended.
func (l *Log) RecordCount() int64 {
	return l.records.Load()
}

func (l *Log) writeLoop() {
	defer close(l.done)
	for rec := range l.queue {
		if _, err := l.file.Write(rec); err != nil {
			// The durability contract is broken; nothing to fall back to.
			log.Fatalf("[Persist] appending to %s: %v", l.path, err)
		}
		l.records.Add(1)
	}
}

// Close drains the queue, syncs, and closes the file. No Enqueue may
// run concurrently with or after Close.
func (l *Log) Close() error {
	close(l.queue)
	<-l.done

	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
