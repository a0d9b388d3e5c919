// Package wal is the default storage engine: an fsync'd append-only journal
// of committed transactions, one record per applied log index.
package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"coredb/pkg/dberrors"
	"coredb/pkg/listener"
	"coredb/pkg/types"
)

const (
	headerSize = 8 + 8 + 4
	maxPayload = 64 << 20
)

var (
	errChecksum = errors.New("record checksum mismatch")
	errClosed   = fmt.Errorf("%w: journal closed", dberrors.ErrStopped)
)

// Record is one committed transaction.
type Record struct {
	Index   types.LogIndex
	TxID    types.TxID
	Payload []byte
}

type commitRequest struct {
	index   types.LogIndex
	payload []byte
	result  chan commitResult
}

type commitResult struct {
	txID types.TxID
	err  error
}

// WAL appends records on its listener goroutine. Start it before calling
// Commit.
type WAL struct {
	*listener.Listener[commitRequest]

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	logger   *slog.Logger

	inputCh  chan commitRequest
	failed   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	lastIndex atomic.Uint64
	// lastTxID is only touched by the listener goroutine after Open.
	lastTxID types.TxID
}

// Open opens or creates the journal in dir. A torn record at the tail, left
// by a crash in the middle of a write, is truncated away.
func Open(dir string, logger *slog.Logger) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, "journal.log")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		filePath: filePath,
		logger:   logger,
		inputCh:  make(chan commitRequest, 16),
		failed:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if err := w.recover(); err != nil {
		_ = file.Close()
		return nil, err
	}
	w.writer = bufio.NewWriter(file)

	w.Listener = listener.New(w.inputCh, w.handleCommit)
	w.Listener.OnError(func(err error) {
		w.logger.Error("journal write failed, refusing further commits", "error", err)
		close(w.failed)
	})
	return w, nil
}

// recover scans the file, restores the last index and transaction id, and
// cuts off a torn tail.
func (w *WAL) recover() error {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek WAL: %w", err)
	}
	reader := bufio.NewReader(w.file)

	var offset int64
	for {
		rec, size, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errChecksum) {
			w.logger.Warn("truncating torn journal tail", "offset", offset, "error", err)
			if err := w.file.Truncate(offset); err != nil {
				return fmt.Errorf("failed to truncate WAL: %w", err)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read WAL entry: %w", err)
		}
		offset += size
		w.lastIndex.Store(uint64(rec.Index))
		w.lastTxID = rec.TxID
	}

	w.logger.Info("journal opened",
		"path", w.filePath,
		"last_index", w.lastIndex.Load(),
		"last_tx", w.lastTxID)
	return nil
}

// LastCommittedIndex is the highest log index whose transaction is durable.
func (w *WAL) LastCommittedIndex() types.LogIndex {
	return types.LogIndex(w.lastIndex.Load())
}

// Commit durably records payload as the transaction of log index and returns
// its id. Indexes must increase.
func (w *WAL) Commit(ctx context.Context, index types.LogIndex, payload []byte) (types.TxID, error) {
	if index <= w.LastCommittedIndex() {
		return 0, fmt.Errorf("%w: index %d already committed", dberrors.ErrInvalidArgument, index)
	}

	req := commitRequest{index: index, payload: payload, result: make(chan commitResult, 1)}
	select {
	case w.inputCh <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-w.failed:
		return 0, w.Err()
	case <-w.stopped:
		return 0, errClosed
	}

	// Once queued the write happens regardless of ctx. A request still
	// buffered when the journal closes is never written.
	select {
	case res := <-req.result:
		return res.txID, res.err
	case <-w.failed:
		return 0, w.Err()
	case <-w.stopped:
		return 0, errClosed
	}
}

// will be called async by WAL.listener on input in WAL.inputCh
func (w *WAL) handleCommit(req commitRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if req.index <= w.LastCommittedIndex() {
		req.result <- commitResult{err: fmt.Errorf("%w: index %d already committed", dberrors.ErrInvalidArgument, req.index)}
		return nil
	}

	rec := Record{Index: req.index, TxID: w.lastTxID + 1, Payload: req.payload}
	if err := w.write(rec); err != nil {
		err = fmt.Errorf("failed to write WAL entry: %w", err)
		req.result <- commitResult{err: err}
		return err
	}

	w.lastTxID = rec.TxID
	w.lastIndex.Store(uint64(rec.Index))
	req.result <- commitResult{txID: rec.TxID}
	return nil
}

func (w *WAL) write(rec Record) error {
	if w.writer == nil {
		return fmt.Errorf("WAL writer is nil")
	}
	if err := writeRecord(w.writer, rec); err != nil {
		return err
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Err reports why the journal refuses commits, or nil.
func (w *WAL) Err() error {
	if err := w.Listener.Err(); err != nil {
		return dberrors.DurabilityFailure("journal", err)
	}
	return nil
}

// Replay calls fn for every record with Index >= start, in order.
func (w *WAL) Replay(start types.LogIndex, fn func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			w.logger.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		rec, _, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read WAL entry: %w", err)
		}
		if rec.Index < start {
			continue
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}
}

// Close stops the listener and closes the file.
func (w *WAL) Close() error {
	w.Listener.Stop()
	w.stopOnce.Do(func() { close(w.stopped) })

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}
	return nil
}

// writeRecord encodes index, tx id, payload length, payload and a CRC-32 of
// all of them.
func writeRecord(out io.Writer, rec Record) error {
	if len(rec.Payload) > maxPayload {
		return fmt.Errorf("payload too large: %d", len(rec.Payload))
	}

	buf := make([]byte, headerSize+len(rec.Payload)+4)
	binary.LittleEndian.PutUint64(buf[0:], uint64(rec.Index))
	binary.LittleEndian.PutUint64(buf[8:], uint64(rec.TxID))
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(rec.Payload)))
	copy(buf[headerSize:], rec.Payload)
	sum := crc32.ChecksumIEEE(buf[:headerSize+len(rec.Payload)])
	binary.LittleEndian.PutUint32(buf[headerSize+len(rec.Payload):], sum)

	_, err := out.Write(buf)
	return err
}

// readRecord returns io.EOF only at a clean record boundary.
func readRecord(reader io.Reader) (Record, int64, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(reader, header); err != nil {
		return Record{}, 0, err
	}
	payloadLen := binary.LittleEndian.Uint32(header[16:])
	if payloadLen > maxPayload {
		return Record{}, 0, errChecksum
	}

	rest := make([]byte, int(payloadLen)+4)
	if _, err := io.ReadFull(reader, rest); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, 0, err
	}

	payload := rest[:payloadLen]
	h := crc32.NewIEEE()
	h.Write(header)
	h.Write(payload)
	if h.Sum32() != binary.LittleEndian.Uint32(rest[payloadLen:]) {
		return Record{}, 0, errChecksum
	}

	rec := Record{
		Index:   types.LogIndex(binary.LittleEndian.Uint64(header[0:])),
		TxID:    types.TxID(binary.LittleEndian.Uint64(header[8:])),
		Payload: payload,
	}
	return rec, int64(headerSize) + int64(len(rest)), nil
}
