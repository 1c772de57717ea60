// filesystem/parser.go
package filesystem

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ViniZap4/lumi-ideas/store"
)

var (
	fence     = []byte("---\n")
	fenceLine = []byte("\n---\n")
)

// ReadDocument parses a Markdown file with YAML frontmatter. The
// frontmatter becomes the document fields and the content its body.
func ReadDocument(path string) (store.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseDocument(data)
}

func parseDocument(data []byte) (store.Document, error) {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(data, fence) {
		return nil, fmt.Errorf("invalid frontmatter format")
	}
	rest := data[len(fence):]

	var front, content []byte
	if bytes.HasPrefix(rest, fence) {
		content = rest[len(fence):]
	} else {
		end := bytes.Index(rest, fenceLine)
		if end < 0 {
			return nil, fmt.Errorf("invalid frontmatter format")
		}
		front = rest[:end]
		content = rest[end+len(fenceLine):]
	}

	doc := store.Document{}
	if err := yaml.Unmarshal(front, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	if doc == nil {
		doc = store.Document{}
	}

	// One blank line separates frontmatter from content on write.
	body := strings.TrimPrefix(string(content), "\n")
	if body != "" {
		doc[store.FieldBody] = body
	}
	return doc, nil
}

// WriteDocument encodes doc and replaces path atomically.
func WriteDocument(path string, doc store.Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".lumi-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func encodeDocument(doc store.Document) ([]byte, error) {
	front := doc.Clone()
	body, _ := front[store.FieldBody].(string)
	delete(front, store.FieldBody)

	var buf bytes.Buffer
	buf.Write(fence)

	if len(front) > 0 {
		encoder := yaml.NewEncoder(&buf)
		encoder.SetIndent(2)
		if err := encoder.Encode(map[string]any(front)); err != nil {
			return nil, fmt.Errorf("failed to encode frontmatter: %w", err)
		}
		encoder.Close()
	}

	buf.Write(fence)
	buf.WriteString("\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// ListDocuments reads every .md file directly under dir, keyed by file
// name without extension. Files that fail to parse are skipped.
func ListDocuments(dir string) (map[string]store.Document, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]store.Document{}, nil
	}
	if err != nil {
		return nil, err
	}

	docs := make(map[string]store.Document, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		doc, err := ReadDocument(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue // Skip invalid notes
		}
		docs[strings.TrimSuffix(entry.Name(), ".md")] = doc
	}
	return docs, nil
}
