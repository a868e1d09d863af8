package trace

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordWritesRows(t *testing.T) {
	dir := t.TempDir()
	tr := New(Config{Enabled: true, Path: dir})
	defer tr.Close()

	tr.Record("tx", []byte{0xF1, 0xA5})
	tr.Record("rx", []byte{0x27})
	tr.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3) // header + two frames
	require.Equal(t, []string{"timestamp", "dir", "len", "bytes"}, rows[0])
	require.Equal(t, "tx", rows[1][1])
	require.Equal(t, "2", rows[1][2])
	require.Equal(t, "F1 A5", rows[1][3])
	require.Equal(t, "rx", rows[2][1])
}

func TestDisabledTracerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	tr := New(Config{Enabled: false, Path: dir})
	defer tr.Close()

	tr.Record("tx", []byte{0x01})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSetEnabledTogglesAtRuntime(t *testing.T) {
	dir := t.TempDir()
	tr := New(Config{Enabled: false, Path: dir})
	defer tr.Close()

	tr.Record("tx", []byte{0x01})
	tr.SetEnabled(true)
	require.True(t, tr.IsEnabled())
	tr.Record("tx", []byte{0x02})
	tr.SetEnabled(false)
	tr.Record("tx", []byte{0x03})
	tr.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2) // header + the one enabled frame
	require.Equal(t, "02", rows[1][3])
}
