// Package telemetry turns raw miner status documents into dotted metric
// paths, worker identities and metric points.
package telemetry

import "github.com/tidwall/gjson"

// Field is one flattened leaf of a status document.
type Field struct {
	Path  string
	Value gjson.Result
}

// ListSuffixes names the positions of the lists xmrig reports, keyed by
// the dotted path of the list.
var ListSuffixes = map[string][]string{
	"hashrate.total":         {"10s", "1m", "15m"},
	"hugepages":              {"got", "want"},
	"resources.load_average": {"1m", "5m", "15m"},
}

// Flatten walks doc depth-first in document order. Nested objects are
// joined with "."; lists at a path in ListSuffixes are expanded to one
// field per named position, any other list is passed through whole.
// Anything but an object flattens to nothing.
func Flatten(doc gjson.Result) []Field {
	if !doc.IsObject() {
		return nil
	}
	return flatten(nil, doc, "")
}

func flatten(out []Field, doc gjson.Result, prefix string) []Field {
	doc.ForEach(func(key, value gjson.Result) bool {
		path := key.String()
		if prefix != "" {
			path = prefix + "." + path
		}

		switch {
		case value.IsObject():
			out = flatten(out, value, path)
		case value.IsArray():
			suffixes, ok := ListSuffixes[path]
			if !ok {
				out = append(out, Field{Path: path, Value: value})
				break
			}
			items := value.Array()
			for i, suffix := range suffixes {
				if i >= len(items) {
					break
				}
				out = append(out, Field{Path: path + "." + suffix, Value: items[i]})
			}
		default:
			out = append(out, Field{Path: path, Value: value})
		}
		return true
	})
	return out
}

// Lookup returns the value of the first field at path.
func Lookup(fields []Field, path string) (gjson.Result, bool) {
	for _, f := range fields {
		if f.Path == path {
			return f.Value, true
		}
	}
	return gjson.Result{}, false
}
