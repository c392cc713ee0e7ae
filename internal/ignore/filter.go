// Package ignore holds the identifier and network-name suppression sets.
package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/ipsix/tailwatch/internal/logging"
)

// Filter is read-only after construction and safe for concurrent use.
type Filter struct {
	ids   map[string]struct{}
	names map[string]struct{}
}

func NewFilter(ids, names []string) *Filter {
	f := &Filter{
		ids:   make(map[string]struct{}, len(ids)),
		names: make(map[string]struct{}, len(names)),
	}
	for _, id := range ids {
		f.ids[normalizeID(id)] = struct{}{}
	}
	for _, name := range names {
		f.names[name] = struct{}{}
	}
	return f
}

// IsIgnoredID matches hardware addresses case-insensitively.
func (f *Filter) IsIgnoredID(identifier string) bool {
	if f == nil {
		return false
	}
	_, ok := f.ids[normalizeID(identifier)]
	return ok
}

func (f *Filter) IsIgnoredName(name string) bool {
	if f == nil {
		return false
	}
	_, ok := f.names[name]
	return ok
}

func (f *Filter) Counts() (ids, names int) {
	if f == nil {
		return 0, 0
	}
	return len(f.ids), len(f.names)
}

// Load reads both lists. A missing, unreadable or empty list is a warning and
// yields an empty set.
func Load(logger *logging.Logger, idPath, namePath string) *Filter {
	ids := loadList(logger, "mac", idPath)
	names := loadList(logger, "ssid", namePath)
	f := NewFilter(ids, names)
	idCount, nameCount := f.Counts()
	logger.Info("ignore lists loaded",
		logging.F("macs", idCount),
		logging.F("ssids", nameCount),
	)
	return f
}

func loadList(logger *logging.Logger, kind, path string) []string {
	if path == "" {
		logger.Warn("no ignore list configured", logging.F("list", kind))
		return nil
	}
	entries, err := ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("ignore list not found", logging.F("list", kind), logging.F("path", path))
		} else {
			logger.Warn("ignore list unreadable", logging.F("list", kind), logging.F("path", path), logging.F("error", err))
		}
		return nil
	}
	if len(entries) == 0 {
		logger.Warn("ignore list is empty", logging.F("list", kind), logging.F("path", path))
	}
	return entries
}

func ReadFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Parse(file)
}

var (
	quoted    = regexp.MustCompile(`'([^']*)'|"([^"]*)"`)
	listStart = regexp.MustCompile(`^(\w+\s*=\s*)?\[`)
)

// Parse accepts one entry per line, '#' comments, and list literals such as
// ignore_list = ['AA:BB:CC:DD:EE:FF', ...], which may span lines. Quoted
// literals are extracted textually and the file is never evaluated. Any
// other line is an entry as written, quotes and '=' included.
func Parse(r io.Reader) ([]string, error) {
	out := []string{}
	seen := map[string]struct{}{}
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	inList := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if inList || listStart.MatchString(line) {
			matches := quoted.FindAllStringSubmatch(line, -1)
			for _, m := range matches {
				if m[1] != "" {
					add(m[1])
				} else {
					add(m[2])
				}
			}
			closed := strings.Contains(quoted.ReplaceAllString(line, ""), "]")
			if !inList && closed && len(matches) == 0 && strings.HasPrefix(line, "[") && line != "[]" {
				// "[Guest]" is a name, not an empty list.
				add(line)
			}
			inList = !closed
			continue
		}
		add(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ignore list: %w", err)
	}
	return out, nil
}

func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
