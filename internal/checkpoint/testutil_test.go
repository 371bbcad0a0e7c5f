package checkpoint

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// writeArchive writes members into a tar file, gzip'd when compress is set.
func writeArchive(t *testing.T, path string, compress bool, members map[string][]byte) string {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "./", Typeflag: tar.TypeDir, Mode: 0o755}))
	for name, body := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	data := buf.Bytes()
	if compress {
		var zb bytes.Buffer
		zw := gzip.NewWriter(&zb)
		_, err := zw.Write(data)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		data = zb.Bytes()
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// writeDirArtifact lays out members in a directory.
func writeDirArtifact(t *testing.T, dir string, members map[string][]byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, body := range members {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), body, 0o644))
	}
	return dir
}

// ggufFile encodes a tensor-less GGUF v3 file with string metadata.
func ggufFile(kv [][2]string) []byte {
	var b bytes.Buffer
	le := binary.LittleEndian
	b.WriteString("GGUF")
	_ = binary.Write(&b, le, uint32(3))
	_ = binary.Write(&b, le, uint64(0))
	_ = binary.Write(&b, le, uint64(len(kv)))
	str := func(s string) {
		_ = binary.Write(&b, le, uint64(len(s)))
		b.WriteString(s)
	}
	for _, p := range kv {
		str(p[0])
		_ = binary.Write(&b, le, uint32(8)) // string
		str(p[1])
	}
	return b.Bytes()
}

// fakeInspector maps weight file base names to header info.
func fakeInspector(infos map[string]WeightsInfo) Inspector {
	return func(p string) (WeightsInfo, error) {
		return infos[filepath.Base(p)], nil
	}
}
