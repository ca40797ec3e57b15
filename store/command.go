package store

import (
	"math"
	"strconv"
	"time"
)

// Command is one Redis-style command: the name followed by its arguments.
type Command []any

func (c Command) Name() string {
	if len(c) == 0 {
		return ""
	}
	name, _ := c[0].(string)
	return name
}

// SetExpireAt stores value under key until the absolute time at.
func SetExpireAt(key, value string, at time.Time) Command {
	return Command{"SET", key, value, "EXAT", at.Unix()}
}

func Get(key string) Command {
	return Command{"GET", key}
}

func ZAdd(index string, score float64, member string) Command {
	return Command{"ZADD", index, FormatScore(score), member}
}

func ZRemRangeByScore(index string, min, max float64) Command {
	return Command{"ZREMRANGEBYSCORE", index, FormatScore(min), FormatScore(max)}
}

func ZRangeByScoreWithScores(index string, min, max float64) Command {
	return Command{"ZRANGEBYSCORE", index, FormatScore(min), FormatScore(max), "WITHSCORES"}
}

// FormatScore renders a sorted-set score the way Redis parses it,
// including the infinite bounds.
func FormatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ParseScore is the inverse of FormatScore.
func ParseScore(s string) (float64, error) {
	switch s {
	case "+inf", "inf", "+Inf":
		return math.Inf(1), nil
	case "-inf", "-Inf":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, 64)
}
