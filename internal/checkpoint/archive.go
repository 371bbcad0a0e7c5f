package checkpoint

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"peval/internal/common/fsutil"
	"peval/internal/config"
)

// ConfigName is the configuration snapshot stored in every artifact.
const ConfigName = "model_config.yaml"

// weightsExt is the extension of weight files inside an artifact.
const weightsExt = ".gguf"

// preferredWeights wins when an artifact carries several weight files.
const preferredWeights = "model_weights.gguf"

var gzipMagic = []byte{0x1f, 0x8b}

// openTar opens a tar artifact, transparently decompressing gzip.
func openTar(p string) (*tar.Reader, io.Closer, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	br := bufio.NewReader(f)
	head, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, nil, err
	}
	if len(head) == 2 && head[0] == gzipMagic[0] && head[1] == gzipMagic[1] {
		zr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return tar.NewReader(zr), multiCloser{zr, f}, nil
	}
	return tar.NewReader(br), f, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// memberName strips "./" and leading slashes from a tar member name.
func memberName(n string) string {
	n = path.Clean(strings.TrimPrefix(n, "/"))
	return strings.TrimPrefix(n, "./")
}

// RestoreConfig reads only the configuration snapshot of an artifact
// without extracting its weights. path may be a directory or a tar
// archive.
func RestoreConfig(p string) (config.Tree, error) {
	abs, err := fsutil.Resolve(p)
	if err != nil {
		return nil, restoreError{stage: "config", path: p, err: err}
	}
	if fsutil.IsDir(abs) {
		t, err := config.Load(filepath.Join(abs, ConfigName))
		if err != nil {
			return nil, restoreError{stage: "config", path: p, err: err}
		}
		return t, nil
	}
	tr, closer, err := openTar(abs)
	if err != nil {
		return nil, restoreError{stage: "config", path: p, err: err}
	}
	defer closer.Close()
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, restoreError{stage: "config", path: p, err: fmt.Errorf("%s not found in archive", ConfigName)}
		}
		if err != nil {
			return nil, restoreError{stage: "config", path: p, err: err}
		}
		if hdr.Typeflag != tar.TypeReg || memberName(hdr.Name) != ConfigName {
			continue
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, restoreError{stage: "config", path: p, err: err}
		}
		t, err := config.Parse(b, ".yaml")
		if err != nil {
			return nil, restoreError{stage: "config", path: p, err: err}
		}
		return t, nil
	}
}

// extract unpacks a tar artifact into dst. Only regular files and
// directories are materialized.
func extract(src, dst string) error {
	tr, closer, err := openTar(src)
	if err != nil {
		return err
	}
	defer closer.Close()
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		name := memberName(hdr.Name)
		if name == "." {
			continue
		}
		target, err := fsutil.WithinDir(dst, name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeMember(target, tr); err != nil {
				return err
			}
		}
	}
}

func writeMember(target string, r io.Reader) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// findWeights scans dir for *.gguf files. model_weights.gguf wins when
// several are present; otherwise exactly one must exist.
func findWeights(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read dir: %w", err)
	}
	var found []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), weightsExt) {
			continue
		}
		if name == preferredWeights {
			return filepath.Join(dir, name), nil
		}
		found = append(found, filepath.Join(dir, name))
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no %s weights in %s", weightsExt, dir)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("ambiguous weights in %s: %d %s files and no %s", dir, len(found), weightsExt, preferredWeights)
	}
}
