// Package buffer is the on-disk queue of readings that were not yet confirmed
// delivered. One JSON object per line, in arrival order.
package buffer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/aq_uplink/internal/model"
)

// CorruptPolicy decides what happens to lines that cannot be decoded.
type CorruptPolicy string

const (
	// Retain keeps undecodable lines in place; they are retried on every pass.
	Retain CorruptPolicy = "retain"
	// Quarantine moves them to <path>.corrupt and out of the replay set.
	Quarantine CorruptPolicy = "quarantine"
)

// DeliverFunc attempts one delivery.
type DeliverFunc func(ctx context.Context, r model.SensorReading) model.DeliveryOutcome

// DecodeError marks a buffered line that is not a valid reading.
type DecodeError struct {
	Line int // 1-based
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("buffer line %d: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ReplayResult is the bookkeeping of one replay pass.
type ReplayResult struct {
	Delivered int
	Remaining int // lines still in the file, retained corrupt ones included
	Retained  int // corrupt lines among Remaining
	Corrupt   []*DecodeError
}

type Buffer struct {
	path   string
	policy CorruptPolicy
	log    logrus.FieldLogger
}

func New(path string, policy CorruptPolicy, log logrus.FieldLogger) *Buffer {
	if policy == "" {
		policy = Retain
	}
	return &Buffer{path: path, policy: policy, log: log}
}

func (b *Buffer) Path() string { return b.path }

// Append stores r as one line. The line is written with a single write call
// and synced before returning.
func (b *Buffer) Append(r model.SensorReading) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	line = append(line, '\n')

	if dir := filepath.Dir(b.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create buffer dir: %w", err)
		}
	}

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open buffer: %w", err)
	}
	defer f.Close()

	partial, err := endsWithoutNewline(f)
	if err != nil {
		return err
	}
	if partial {
		// a crash left half a record behind, keep it on its own line
		line = append([]byte{'\n'}, line...)
	}

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append to buffer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync buffer: %w", err)
	}
	return nil
}

func endsWithoutNewline(f *os.File) (bool, error) {
	st, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat buffer: %w", err)
	}
	if st.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		return false, fmt.Errorf("read buffer tail: %w", err)
	}
	return last[0] != '\n', nil
}

// Len returns the number of buffered lines. A missing file is an empty buffer.
func (b *Buffer) Len() (int, error) {
	lines, err := b.readLines()
	return len(lines), err
}

// Records decodes every buffered line in file order. Undecodable lines are
// reported in the second result.
func (b *Buffer) Records() ([]model.SensorReading, []*DecodeError, error) {
	lines, err := b.readLines()
	if err != nil {
		return nil, nil, err
	}
	var out []model.SensorReading
	var bad []*DecodeError
	for i, l := range lines {
		r, derr := decodeLine(l, i+1)
		if derr != nil {
			bad = append(bad, derr)
			continue
		}
		out = append(out, r)
	}
	return out, bad, nil
}

// Replay tries to deliver every buffered record in file order and rewrites the
// file with the ones that did not succeed, keeping their relative order. When
// nothing is left the file is removed. Delivery stops early if ctx is done;
// the untried records stay buffered.
func (b *Buffer) Replay(ctx context.Context, deliver DeliverFunc) (ReplayResult, error) {
	var res ReplayResult

	lines, err := b.readLines()
	if err != nil {
		return res, err
	}
	if len(lines) == 0 {
		// blank-only file
		return res, b.rewrite(nil)
	}

	keep := make([][]byte, 0, len(lines))
	var quarantined [][]byte
	for i, l := range lines {
		if ctx.Err() != nil {
			keep = append(keep, l)
			continue
		}
		r, derr := decodeLine(l, i+1)
		if derr != nil {
			res.Corrupt = append(res.Corrupt, derr)
			b.log.WithError(derr).WithField("policy", string(b.policy)).Warn("undecodable buffer line")
			if b.policy == Quarantine {
				quarantined = append(quarantined, l)
			} else {
				keep = append(keep, l)
				res.Retained++
			}
			continue
		}
		if deliver(ctx, r) == model.Delivered {
			res.Delivered++
			continue
		}
		keep = append(keep, l)
	}
	res.Remaining = len(keep)

	if len(quarantined) > 0 {
		if err := appendLines(b.path+".corrupt", quarantined); err != nil {
			// keep the lines in the main file rather than lose them
			b.log.WithError(err).Error("quarantine failed, retaining corrupt lines")
			keep = mergeInOrder(lines, keep, quarantined)
			res.Remaining = len(keep)
			res.Retained += len(quarantined)
		}
	}

	if err := b.rewrite(keep); err != nil {
		return res, err
	}
	return res, nil
}

func decodeLine(l []byte, n int) (model.SensorReading, *DecodeError) {
	var r model.SensorReading
	dec := json.NewDecoder(bytes.NewReader(l))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return r, &DecodeError{Line: n, Err: err}
	}
	if dec.More() {
		return r, &DecodeError{Line: n, Err: errors.New("trailing data after record")}
	}
	if strings.TrimSpace(r.DeviceID) == "" {
		return r, &DecodeError{Line: n, Err: errors.New("record without device_id")}
	}
	return r, nil
}

// readLines returns the non-blank lines of the buffer without their newline.
func (b *Buffer) readLines() ([][]byte, error) {
	f, err := os.Open(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open buffer: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	rd := bufio.NewReader(f)
	for {
		l, err := rd.ReadBytes('\n')
		if t := bytes.TrimSpace(l); len(t) > 0 {
			lines = append(lines, append([]byte(nil), t...))
		}
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read buffer: %w", err)
		}
	}
}

// rewrite atomically replaces the buffer with lines, or removes it when empty.
func (b *Buffer) rewrite(lines [][]byte) error {
	if len(lines) == 0 {
		err := os.Remove(b.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("remove buffer: %w", err)
		}
		return syncDir(filepath.Dir(b.path))
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp buffer: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		w.Write(l)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp buffer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp buffer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp buffer: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod temp buffer: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("replace buffer: %w", err)
	}
	return syncDir(filepath.Dir(b.path))
}

// syncDir makes a rename or removal inside dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open buffer dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync buffer dir: %w", err)
	}
	return nil
}

func appendLines(path string, lines [][]byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// mergeInOrder returns the lines of all that appear in keep or extra, in the
// order of all. Lines are matched by identity of their backing slice.
func mergeInOrder(all, keep, extra [][]byte) [][]byte {
	want := make(map[*byte]bool, len(keep)+len(extra))
	for _, l := range keep {
		want[&l[0]] = true
	}
	for _, l := range extra {
		want[&l[0]] = true
	}
	out := make([][]byte, 0, len(want))
	for _, l := range all {
		if want[&l[0]] {
			out = append(out, l)
		}
	}
	return out
}
