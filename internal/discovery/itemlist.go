package discovery

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// DefaultIDPattern extracts the numeric identifier from an item edit address.
const DefaultIDPattern = `/stocks/(\d+)/edit`

// Resolver maps between item addresses and identifiers.
type Resolver struct {
	pattern  *regexp.Regexp
	template string
}

// NewResolver compiles pattern, which must contain one capture group. The
// template builds an address from an ID by replacing "{id}".
func NewResolver(pattern, template string) (*Resolver, error) {
	if pattern == "" {
		pattern = DefaultIDPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile id pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("id pattern %q needs a capture group", pattern)
	}
	if template != "" && !strings.Contains(template, "{id}") {
		return nil, fmt.Errorf("address template %q must contain {id}", template)
	}
	return &Resolver{pattern: re, template: template}, nil
}

// IDFromAddress extracts the identifier from an address.
func (r *Resolver) IDFromAddress(addr string) (harvest.ItemID, bool) {
	m := r.pattern.FindStringSubmatch(addr)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return harvest.ItemID(m[1]), true
}

// AddressFor builds the address of id, or returns the ID itself when no
// template is configured.
func (r *Resolver) AddressFor(id harvest.ItemID) string {
	if r.template == "" {
		return string(id)
	}
	return strings.ReplaceAll(r.template, "{id}", string(id))
}

// ItemList persists the discovered identifiers as a line-delimited file of addresses.
type ItemList struct {
	path     string
	resolver *Resolver
}

// NewItemList binds the list to path.
func NewItemList(path string, resolver *Resolver) *ItemList {
	return &ItemList{path: path, resolver: resolver}
}

// Path returns the backing file.
func (l *ItemList) Path() string { return l.path }

// Exists reports whether the list file is present.
func (l *ItemList) Exists() bool {
	info, err := os.Stat(l.path)
	return err == nil && !info.IsDir()
}

// Load reads the list. Lines may be addresses or bare identifiers; blank
// lines are skipped and duplicates dropped.
func (l *ItemList) Load() ([]harvest.ItemID, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", harvest.ErrItemListMissing, l.path)
		}
		return nil, fmt.Errorf("read item list: %w", err)
	}
	var ids []harvest.ItemID
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if id, ok := l.resolver.IDFromAddress(line); ok {
			ids = append(ids, id)
			continue
		}
		if strings.Contains(line, "/") {
			continue
		}
		ids = append(ids, harvest.ItemID(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan item list: %w", err)
	}
	return Dedupe(ids), nil
}

// Save writes ids atomically, one address per line.
func (l *ItemList) Save(ids []harvest.ItemID) error {
	var buf bytes.Buffer
	for _, id := range ids {
		buf.WriteString(l.resolver.AddressFor(id))
		buf.WriteByte('\n')
	}
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create item list dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".items-*")
	if err != nil {
		return fmt.Errorf("create temp item list: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write item list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close item list: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("replace item list: %w", err)
	}
	return nil
}
