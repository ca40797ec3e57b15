package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUnknownCommand is reported, per command, for anything SQLBackend
// does not implement.
var ErrUnknownCommand = errors.New("ERR unknown command")

type kvEntry struct {
	Key       string `gorm:"column:entry_key;primaryKey"`
	Value     string
	ExpiresAt int64 // unix milliseconds, 0 for never
}

func (kvEntry) TableName() string { return "kv_entries" }

type zMember struct {
	SetName string  `gorm:"column:set_name;primaryKey"`
	Member  string  `gorm:"primaryKey"`
	Score   float64 `gorm:"index"`
}

func (zMember) TableName() string { return "zset_members" }

// SQLBackend evaluates the subset of Redis commands the store uses against
// a SQL database through gorm. Each pipeline runs in one transaction.
type SQLBackend struct {
	db  *gorm.DB
	now func() time.Time
}

type SQLOption func(*SQLBackend)

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) SQLOption {
	return func(b *SQLBackend) {
		if now != nil {
			b.now = now
		}
	}
}

func NewSQLBackend(db *gorm.DB, opts ...SQLOption) (*SQLBackend, error) {
	if err := db.AutoMigrate(&kvEntry{}, &zMember{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	b := &SQLBackend{db: db, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

type reply struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

func (r reply) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(map[string]string{"error": r.Error})
	}
	return json.Marshal(map[string]any{"result": r.Result})
}

func (b *SQLBackend) Pipeline(ctx context.Context, cmds []Command) (json.RawMessage, error) {
	replies := make([]reply, 0, len(cmds))
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, cmd := range cmds {
			result, err := b.exec(tx, cmd)
			var cmdErr commandError
			if errors.As(err, &cmdErr) {
				replies = append(replies, reply{Error: cmdErr.Error()})
				continue
			}
			if err != nil {
				return fmt.Errorf("%s: %w", cmd.Name(), err)
			}
			replies = append(replies, reply{Result: result})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(replies)
}

// commandError fails one command without aborting the pipeline.
type commandError struct{ msg string }

func (e commandError) Error() string { return e.msg }

func errArgs(name string) error {
	return commandError{fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))}
}

func (b *SQLBackend) exec(tx *gorm.DB, cmd Command) (any, error) {
	name := strings.ToUpper(cmd.Name())
	args := make([]string, len(cmd)-min(len(cmd), 1))
	for i := range args {
		args[i] = argString(cmd[i+1])
	}

	switch name {
	case "SET":
		return b.set(tx, args)
	case "GET":
		if len(args) != 1 {
			return nil, errArgs(name)
		}
		return b.get(tx, args[0])
	case "DEL":
		if len(args) == 0 {
			return nil, errArgs(name)
		}
		res := tx.Where("entry_key IN ?", args).Delete(&kvEntry{})
		return res.RowsAffected, res.Error
	case "ZADD":
		return b.zadd(tx, args)
	case "ZREMRANGEBYSCORE":
		if len(args) != 3 {
			return nil, errArgs(name)
		}
		q, err := scoreRange(tx.Where("set_name = ?", args[0]), args[1], args[2])
		if err != nil {
			return nil, err
		}
		res := q.Delete(&zMember{})
		return res.RowsAffected, res.Error
	case "ZRANGEBYSCORE":
		return b.zrangeByScore(tx, args)
	}
	return nil, commandError{fmt.Sprintf("%s '%s'", ErrUnknownCommand, cmd.Name())}
}

func (b *SQLBackend) set(tx *gorm.DB, args []string) (any, error) {
	if len(args) != 2 && len(args) != 4 {
		return nil, errArgs("SET")
	}

	entry := kvEntry{Key: args[0], Value: args[1]}
	if len(args) == 4 {
		n, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil || n <= 0 {
			return nil, commandError{"ERR invalid expire time in 'set' command"}
		}
		switch strings.ToUpper(args[2]) {
		case "EX":
			entry.ExpiresAt = b.now().Add(time.Duration(n) * time.Second).UnixMilli()
		case "PX":
			entry.ExpiresAt = b.now().Add(time.Duration(n) * time.Millisecond).UnixMilli()
		case "EXAT":
			entry.ExpiresAt = n * 1000
		case "PXAT":
			entry.ExpiresAt = n
		default:
			return nil, commandError{"ERR syntax error"}
		}
	}

	err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error
	if err != nil {
		return nil, err
	}
	return "OK", nil
}

func (b *SQLBackend) get(tx *gorm.DB, key string) (any, error) {
	var entry kvEntry
	err := tx.Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if entry.ExpiresAt != 0 && entry.ExpiresAt <= b.now().UnixMilli() {
		if err := tx.Delete(&entry).Error; err != nil {
			return nil, err
		}
		return nil, nil
	}
	return entry.Value, nil
}

func (b *SQLBackend) zadd(tx *gorm.DB, args []string) (any, error) {
	if len(args) < 3 || len(args)%2 != 1 {
		return nil, errArgs("ZADD")
	}

	var added int64
	for i := 1; i < len(args); i += 2 {
		score, err := ParseScore(args[i])
		if err != nil || math.IsNaN(score) {
			return nil, commandError{"ERR value is not a valid float"}
		}
		member := zMember{SetName: args[0], Member: args[i+1], Score: score}

		var existing int64
		err = tx.Model(&zMember{}).
			Where("set_name = ? AND member = ?", member.SetName, member.Member).
			Count(&existing).Error
		if err != nil {
			return nil, err
		}
		if existing == 0 {
			added++
		}

		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "set_name"}, {Name: "member"}},
			DoUpdates: clause.AssignmentColumns([]string{"score"}),
		}).Create(&member).Error
		if err != nil {
			return nil, err
		}
	}
	return added, nil
}

func (b *SQLBackend) zrangeByScore(tx *gorm.DB, args []string) (any, error) {
	withScores := len(args) == 4 && strings.EqualFold(args[3], "WITHSCORES")
	if len(args) != 3 && !withScores {
		return nil, errArgs("ZRANGEBYSCORE")
	}

	q, err := scoreRange(tx.Where("set_name = ?", args[0]), args[1], args[2])
	if err != nil {
		return nil, err
	}
	var members []zMember
	if err := q.Order("score ASC, member ASC").Find(&members).Error; err != nil {
		return nil, err
	}

	out := make([]string, 0, len(members)*2)
	for _, m := range members {
		out = append(out, m.Member)
		if withScores {
			out = append(out, FormatScore(m.Score))
		}
	}
	return out, nil
}

// scoreRange narrows q to scores within [min, max]. Infinite bounds add no
// condition.
func scoreRange(q *gorm.DB, min, max string) (*gorm.DB, error) {
	lo, err := ParseScore(min)
	if err != nil {
		return nil, commandError{"ERR min or max is not a float"}
	}
	hi, err := ParseScore(max)
	if err != nil {
		return nil, commandError{"ERR min or max is not a float"}
	}
	if !math.IsInf(lo, -1) {
		q = q.Where("score >= ?", lo)
	}
	if !math.IsInf(hi, 1) {
		q = q.Where("score <= ?", hi)
	}
	return q, nil
}

func argString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return FormatScore(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	}
	return fmt.Sprint(v)
}

var _ Backend = (*SQLBackend)(nil)
