// Package store keeps the last known status of every worker and host in a
// Redis-style key-value store, with a sorted index of write times for
// window queries.
//
// A write is a single pipelined request: the record is SET with an
// absolute expiry, the index is pruned of entries older than the TTL and
// the record's key is added with the write time as its score. Replies are
// verified but never retried: an unverified write is logged and reported
// as such, and the caller carries on.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"rigstatus/restclient"
)

const (
	DefaultTTL   = 24 * time.Hour
	DefaultIndex = "reports"
)

// Backend executes a batch of commands as one request and returns the raw
// reply: a JSON array with one {"result": ...} or {"error": ...} object
// per command.
type Backend interface {
	Pipeline(ctx context.Context, cmds []Command) (json.RawMessage, error)
}

// Record is the persisted status of one worker or host.
type Record struct {
	Key      string            `json:"key"`
	Identity string            `json:"identity"`
	Unixtime float64           `json:"unixtime"`
	SourceIP string            `json:"source_ip,omitempty"`
	Status   json.RawMessage   `json:"miner_status,omitempty"`
	MinerAPI json.RawMessage   `json:"miner_api,omitempty"`
	Host     json.RawMessage   `json:"miner_host,omitempty"`
	Errors   []json.RawMessage `json:"errors,omitempty"`
}

// Time is the record's write time.
func (r *Record) Time() time.Time {
	return UnixTime(r.Unixtime)
}

// UnixTime converts fractional unix seconds to a time, rounded to the
// microsecond so millisecond timestamps survive the float round trip.
func UnixTime(unixtime float64) time.Time {
	return time.UnixMicro(int64(math.Round(unixtime * 1e6))).UTC()
}

// IndexEntry is one member of the sorted index.
type IndexEntry struct {
	Key      string
	Unixtime float64
}

// PutResult tells the caller whether the backend acknowledged every
// command of the write.
type PutResult struct {
	Verified bool
}

type Store struct {
	backend Backend
	index   string
	ttl     time.Duration
	logger  *slog.Logger
}

type Option func(*Store)

func WithIndex(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.index = name
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		index:   DefaultIndex,
		ttl:     DefaultTTL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) TTL() time.Duration { return s.ttl }

// PutCommands builds the pipeline that writes rec.
func (s *Store) PutCommands(rec *Record) ([]Command, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", rec.Key, err)
	}
	written := rec.Time()
	cutoff := rec.Unixtime - s.ttl.Seconds()
	return []Command{
		SetExpireAt(rec.Key, string(data), written.Add(s.ttl)),
		ZRemRangeByScore(s.index, math.Inf(-1), cutoff),
		ZAdd(s.index, rec.Unixtime, rec.Key),
	}, nil
}

// Put writes rec and indexes it. Only a failed request is an error; a
// reply that does not acknowledge every command is logged and returned as
// an unverified result.
func (s *Store) Put(ctx context.Context, rec *Record) (PutResult, error) {
	cmds, err := s.PutCommands(rec)
	if err != nil {
		return PutResult{}, err
	}

	reply, err := s.backend.Pipeline(ctx, cmds)
	var statusErr *restclient.StatusError
	if errors.As(err, &statusErr) {
		s.logger.Warn("status write rejected",
			"key", rec.Key,
			"status", statusErr.Code,
			"reply", string(statusErr.Body),
		)
		return PutResult{Verified: false}, nil
	}
	if err != nil {
		return PutResult{}, fmt.Errorf("put %s: %w", rec.Key, err)
	}

	if err := VerifyReply(reply, len(cmds)); err != nil {
		s.logger.Warn("status write unverified",
			"key", rec.Key,
			"error", err,
			"reply", string(reply),
		)
		return PutResult{Verified: false}, nil
	}
	return PutResult{Verified: true}, nil
}

// ErrUnexpectedReply is wrapped by every VerifyReply failure.
var ErrUnexpectedReply = errors.New("unexpected reply")

// VerifyReply checks that reply holds exactly n acknowledgements, each an
// object whose only key is "result".
func VerifyReply(reply json.RawMessage, n int) error {
	var results []map[string]json.RawMessage
	if err := json.Unmarshal(reply, &results); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	if len(results) != n {
		return fmt.Errorf("%w: %d replies for %d commands", ErrUnexpectedReply, len(results), n)
	}
	for i, result := range results {
		if _, ok := result["result"]; !ok || len(result) != 1 {
			return fmt.Errorf("%w: command %d: %s", ErrUnexpectedReply, i, replyKeys(result))
		}
	}
	return nil
}

// Index lists the keys written within [from, to], oldest first.
func (s *Store) Index(ctx context.Context, from, to float64) ([]IndexEntry, error) {
	results, err := s.pipeline(ctx, ZRangeByScoreWithScores(s.index, from, to))
	if err != nil {
		return nil, err
	}

	var flat []string
	if err := json.Unmarshal(results[0], &flat); err != nil {
		return nil, fmt.Errorf("decode index range: %w", err)
	}
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("%w: odd-length WITHSCORES reply", ErrUnexpectedReply)
	}

	entries := make([]IndexEntry, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		score, err := ParseScore(flat[i+1])
		if err != nil {
			return nil, fmt.Errorf("score of %s: %w", flat[i], err)
		}
		entries = append(entries, IndexEntry{Key: flat[i], Unixtime: score})
	}
	return entries, nil
}

// Get fetches the records stored under keys. Keys whose record has
// expired or was never written are left out, so the result may be shorter
// than keys.
func (s *Store) Get(ctx context.Context, keys ...string) ([]*Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]Command, len(keys))
	for i, key := range keys {
		cmds[i] = Get(key)
	}

	results, err := s.pipeline(ctx, cmds...)
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(keys))
	for i, raw := range results {
		var value *string
		if err := json.Unmarshal(raw, &value); err != nil || value == nil {
			continue
		}
		rec := &Record{}
		if err := json.Unmarshal([]byte(*value), rec); err != nil {
			s.logger.Warn("skipping undecodable status record", "key", keys[i], "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// GetRange returns the records written within [from, to], oldest first,
// with Unixtime taken from the index.
func (s *Store) GetRange(ctx context.Context, from, to float64) ([]*Record, error) {
	entries, err := s.Index(ctx, from, to)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	records, err := s.Get(ctx, keys...)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(entries))
	for _, e := range entries {
		scores[e.Key] = e.Unixtime
	}
	for _, rec := range records {
		rec.Unixtime = scores[rec.Key]
	}
	return records, nil
}

// pipeline runs cmds and returns each command's result, failing if any
// command errored.
func (s *Store) pipeline(ctx context.Context, cmds ...Command) ([]json.RawMessage, error) {
	reply, err := s.backend.Pipeline(ctx, cmds)
	if err != nil {
		return nil, err
	}

	var replies []struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(reply, &replies); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	if len(replies) != len(cmds) {
		return nil, fmt.Errorf("%w: %d replies for %d commands", ErrUnexpectedReply, len(replies), len(cmds))
	}

	results := make([]json.RawMessage, len(replies))
	for i, r := range replies {
		if r.Error != "" {
			return nil, fmt.Errorf("%s: %s", cmds[i].Name(), r.Error)
		}
		results[i] = r.Result
	}
	return results, nil
}

func replyKeys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
