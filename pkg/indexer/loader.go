package indexer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

// DefaultBatchSize is the number of items handed to the sink per Add.
const DefaultBatchSize = 64

// ErrNilSink is returned by NewLoader without a sink.
var ErrNilSink = errors.New("indexer: sink is required")

// Sink receives validated items. store.Store satisfies it.
type Sink interface {
	Add(ctx context.Context, items []memory.MemoryItem) error
}

// Saver is implemented by sinks that persist on demand.
type Saver interface {
	Save() error
}

// Stats counts what a load wrote.
type Stats struct {
	Episodes  int `json:"episodes"`
	EventLogs int `json:"event_logs"`
	Batches   int `json:"batches"`
}

// Total is the number of items written.
func (s Stats) Total() int { return s.Episodes + s.EventLogs }

// Progress is called after every batch the sink accepts.
type Progress func(Stats)

// Loader validates items and writes them to a Sink in batches.
type Loader struct {
	sink      Sink
	batchSize int
	logger    *slog.Logger
	progress  Progress
}

// Option configures a Loader.
type Option func(*Loader)

// WithBatchSize sets the items per Add call.
func WithBatchSize(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithProgress registers a per-batch callback.
func WithProgress(fn Progress) Option {
	return func(l *Loader) { l.progress = fn }
}

// NewLoader creates a Loader writing to sink.
func NewLoader(sink Sink, opts ...Option) (*Loader, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	l := &Loader{
		sink:      sink,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// LoadFile loads the items in path.
func (l *Loader) LoadFile(ctx context.Context, path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, amerrors.New(amerrors.ErrCodeFileNotFound, "failed to open item file", err).
			WithDetail("path", path)
	}
	defer func() { _ = f.Close() }()
	return l.Load(ctx, f)
}

// Load reads items from r and writes them to the sink. Items are checked
// as they are read; a bad item stops the load, and batches already added
// stay in the sink. After the last batch a Saver sink is saved.
func (l *Loader) Load(ctx context.Context, r io.Reader) (Stats, error) {
	start := time.Now()
	var stats Stats
	seen := make(map[string]int)
	pending := make([]memory.MemoryItem, 0, l.batchSize)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.sink.Add(ctx, pending); err != nil {
			return fmt.Errorf("add batch %d: %w", stats.Batches+1, err)
		}
		for _, it := range pending {
			if it.Kind == memory.KindEpisode {
				stats.Episodes++
			} else {
				stats.EventLogs++
			}
		}
		stats.Batches++
		pending = pending[:0]
		if l.progress != nil {
			l.progress(stats)
		}
		return nil
	}

	err := Decode(r, func(pos int, item memory.MemoryItem) error {
		item, err := normalize(item)
		if err != nil {
			return amerrors.InvalidArgument("item %d: %v", pos, err)
		}
		if prev, dup := seen[item.ID]; dup {
			return amerrors.InvalidArgument("item %d: id %q already used by item %d", pos, item.ID, prev)
		}
		seen[item.ID] = pos
		pending = append(pending, item)
		if len(pending) >= l.batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		l.logger.Warn("load_failed",
			slog.Int("written", stats.Total()),
			slog.String("error", amerrors.Describe(err)))
		return stats, err
	}

	if saver, ok := l.sink.(Saver); ok {
		if err := saver.Save(); err != nil {
			return stats, fmt.Errorf("save store: %w", err)
		}
	}
	l.logger.Info("load_complete",
		slog.Int("episodes", stats.Episodes),
		slog.Int("event_logs", stats.EventLogs),
		slog.Int("batches", stats.Batches),
		slog.Duration("duration", time.Since(start)))
	return stats, nil
}

// Decode streams memory items from r, calling fn with each item and its
// 1-based position. r holds either a JSON array of items or a sequence of
// item objects, one per line.
func Decode(r io.Reader, fn func(pos int, item memory.MemoryItem) error) error {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}

	dec := json.NewDecoder(br)
	array := first == '['
	if array {
		if _, err := dec.Token(); err != nil {
			return amerrors.InvalidArgument("item file: %v", err)
		}
	}

	for pos := 1; ; pos++ {
		if array && !dec.More() {
			if _, err := dec.Token(); err != nil {
				return amerrors.InvalidArgument("item file: %v", err)
			}
			return nil
		}
		var item memory.MemoryItem
		if err := dec.Decode(&item); err != nil {
			if !array && err == io.EOF {
				return nil
			}
			return amerrors.InvalidArgument("item %d is not valid JSON: %v", pos, err)
		}
		if err := fn(pos, item); err != nil {
			return err
		}
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if !strings.ContainsRune(" \t\r\n", rune(b)) {
			return b, br.UnreadByte()
		}
	}
}

// normalize infers a missing kind and checks the variant matches it.
func normalize(item memory.MemoryItem) (memory.MemoryItem, error) {
	if strings.TrimSpace(item.ID) == "" {
		return item, errors.New("missing id")
	}
	if item.Kind == "" {
		switch {
		case item.Episode != nil && item.EventLog == nil:
			item.Kind = memory.KindEpisode
		case item.EventLog != nil && item.Episode == nil:
			item.Kind = memory.KindEventLog
		default:
			return item, fmt.Errorf("%s: kind is missing and cannot be inferred", item.ID)
		}
	}

	switch item.Kind {
	case memory.KindEpisode:
		if item.Episode == nil || item.EventLog != nil {
			return item, fmt.Errorf("%s: kind episode needs exactly an episode body", item.ID)
		}
	case memory.KindEventLog:
		if item.EventLog == nil || item.Episode != nil {
			return item, fmt.Errorf("%s: kind event_log needs exactly an event_log body", item.ID)
		}
	default:
		return item, fmt.Errorf("%s: unknown kind %q", item.ID, item.Kind)
	}

	if strings.TrimSpace(item.SearchText()) == "" {
		return item, fmt.Errorf("%s: no text to index", item.ID)
	}
	return item, nil
}
