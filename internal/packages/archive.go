package packages

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

// MaxArchiveSize bounds the uncompressed size of a package archive.
const MaxArchiveSize int64 = 100 << 20

var errArchiveTooLarge = errors.New("package archive exceeds size limit")

// Unpack reads a gzip-compressed tar archive into a path to content map.
// Directory entries are skipped and paths are cleaned; entries escaping the
// archive root are rejected.
func Unpack(data []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	var total int64
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name, err := cleanEntry(header.Name)
		if err != nil {
			return nil, err
		}
		total += header.Size
		if total > MaxArchiveSize {
			return nil, errArchiveTooLarge
		}
		content, err := io.ReadAll(io.LimitReader(tr, header.Size))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		files[name] = content
	}
	return files, nil
}

// Pack writes files as a gzip-compressed tar archive in path order.
func Pack(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	now := time.Now()
	for _, name := range names {
		data := files[name]
		header := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			ModTime:  now,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("write tar contents: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func cleanEntry(name string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimPrefix(name, "./"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." || strings.HasPrefix(name, "../") || strings.Contains(name, "/../") {
		return "", fmt.Errorf("invalid archive entry %q", name)
	}
	return cleaned, nil
}

// stripCommonRoot removes a single top-level directory shared by every
// entry, as found in repository tarballs.
func stripCommonRoot(files map[string][]byte) map[string][]byte {
	root := ""
	for name := range files {
		first, _, ok := strings.Cut(name, "/")
		if !ok {
			return files
		}
		if root == "" {
			root = first
		} else if root != first {
			return files
		}
	}
	if root == "" {
		return files
	}
	out := make(map[string][]byte, len(files))
	for name, data := range files {
		out[strings.TrimPrefix(name, root+"/")] = data
	}
	return out
}

// subtree returns the entries below dir with the prefix removed.
func subtree(files map[string][]byte, dir string) map[string][]byte {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return files
	}
	prefix := dir + "/"
	out := make(map[string][]byte)
	for name, data := range files {
		if strings.HasPrefix(name, prefix) {
			out[strings.TrimPrefix(name, prefix)] = data
		}
	}
	return out
}
