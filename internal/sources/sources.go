// Package sources reads the channel list files that define which
// usernames belong to each source class.
package sources

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
)

// Channel is one tracked origin.
type Channel struct {
	Username string
	Class    domain.SourceClass
}

// LoadFile parses one list file: one username per line, blank lines
// and #-comments ignored. A leading @ is stripped.
func LoadFile(path string, class domain.SourceClass) ([]Channel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source list: %w", err)
	}
	defer func() { _ = f.Close() }()

	var channels []Channel

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		channels = append(channels, Channel{
			Username: strings.TrimPrefix(line, "@"),
			Class:    class,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read source list: %w", err)
	}

	return channels, nil
}

// Load reads both class lists and returns the combined channel set.
func Load(arabPath, smartPath string) ([]Channel, error) {
	arab, err := LoadFile(arabPath, domain.SourceClassArab)
	if err != nil {
		return nil, err
	}

	smart, err := LoadFile(smartPath, domain.SourceClassSmart)
	if err != nil {
		return nil, err
	}

	return append(arab, smart...), nil
}

// Classes maps usernames to their class.
func Classes(channels []Channel) map[string]domain.SourceClass {
	m := make(map[string]domain.SourceClass, len(channels))
	for _, ch := range channels {
		m[ch.Username] = ch.Class
	}

	return m
}
