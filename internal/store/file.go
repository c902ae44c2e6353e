package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"orb-go/internal/ranker"
	"orb-go/internal/signal"
)

// File is a Memory store mirrored to one JSON document, rewritten through a temp file and rename
// after every mutation so separate CLI invocations see each other's state.
type File struct {
	*Memory
	path string
	mu   sync.Mutex // serializes mutate-then-persist
}

type document struct {
	Signals    []signal.Signal               `json:"signals"`
	Events     []signal.Event                `json:"events"`
	Candidates map[string][]ranker.Candidate `json:"candidates"`
}

// OpenFile loads path if it exists.
func OpenFile(path string) (*File, error) {
	f := &File{Memory: NewMemory(), path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode store %s: %w", path, err)
	}
	for _, s := range doc.Signals {
		if err := f.Memory.insert(s); err != nil {
			return nil, fmt.Errorf("load store %s: %w", path, err)
		}
	}
	f.Memory.events = doc.Events
	if doc.Candidates != nil {
		f.Memory.candidates = doc.Candidates
	}
	return f, nil
}

// Path is the backing file.
func (f *File) Path() string { return f.path }

// SaveCandidates implements Store.
func (f *File) SaveCandidates(ctx context.Context, date time.Time, cands []ranker.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Memory.SaveCandidates(ctx, date, cands); err != nil {
		return err
	}
	return f.persist()
}

// InsertSignal implements Store.
func (f *File) InsertSignal(ctx context.Context, s signal.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Memory.InsertSignal(ctx, s); err != nil {
		return err
	}
	return f.persist()
}

// UpdateSignal implements Store.
func (f *File) UpdateSignal(ctx context.Context, id string, fn func(*signal.Signal) error) (signal.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.Memory.UpdateSignal(ctx, id, fn)
	if err != nil {
		return s, err
	}
	return s, f.persist()
}

// AppendEvent implements Store.
func (f *File) AppendEvent(ctx context.Context, ev signal.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Memory.AppendEvent(ctx, ev); err != nil {
		return err
	}
	return f.persist()
}

func (f *File) persist() error {
	f.Memory.mu.RLock()
	doc := document{Events: f.Memory.events, Candidates: f.Memory.candidates}
	for _, s := range f.Memory.signals {
		doc.Signals = append(doc.Signals, s)
	}
	sortSignals(doc.Signals)
	data, err := json.MarshalIndent(doc, "", "  ")
	f.Memory.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("persist store: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("persist store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("persist store: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("persist store: %w", err)
	}
	return nil
}
