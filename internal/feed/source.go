// Package feed pulls records produced outside the board and merges them in.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/relayboard/internal/relayboard"
	"gopkg.in/yaml.v3"
)

// Source yields the records published after since, along with the cursor
// to pass next time.
type Source interface {
	Fetch(ctx context.Context, since time.Time) ([]relayboard.Record, time.Time, error)
}

// DirSource reads a drop directory. Every *.yaml or *.yml file modified
// after the cursor is read; a file may hold several documents, one record
// each.
type DirSource struct {
	Dir    string
	Decode relayboard.DecodeFunc
	Logger *slog.Logger
}

func (s *DirSource) Fetch(ctx context.Context, since time.Time) ([]relayboard.Record, time.Time, error) {
	if s.Decode == nil {
		return nil, since, errors.New("feed: no record decoder configured")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, since, fmt.Errorf("read feed directory: %w", err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var files []candidate
	for _, entry := range entries {
		if entry.IsDir() || !isFeedFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().After(since) {
			continue
		}
		files = append(files, candidate{path: filepath.Join(s.Dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	cursor := since
	var records []relayboard.Record
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, since, err
		}
		decoded, err := s.readFile(f.path)
		if err != nil {
			logger.Warn("skipping unreadable feed file", slog.String("path", f.path), slog.Any("error", err))
		} else {
			records = append(records, decoded...)
		}
		if f.modTime.After(cursor) {
			cursor = f.modTime
		}
	}
	return records, cursor, nil
}

func (s *DirSource) readFile(path string) ([]relayboard.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []relayboard.Record
	dec := yaml.NewDecoder(f)
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		if len(doc.Content) == 0 {
			continue
		}
		r, err := s.Decode(doc.Content[0])
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", len(records)+1, err)
		}
		records = append(records, r)
	}
}

func isFeedFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
