package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, dir string) *LogStore {
	t.Helper()
	s, err := OpenLog(Options{Dir: dir, SyncMode: SyncImmediate})
	require.NoError(t, err)
	return s
}

func TestFrame(t *testing.T) {
	t.Run("round_trip", func(t *testing.T) {
		buf, valueOff := appendFrame(nil, frame{op: opPut, key: []byte("key"), value: []byte("value")})
		assert.Equal(t, []byte("value"), buf[valueOff:])

		f, n, err := readFrame(bytes.NewReader(buf))
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, opPut, f.op)
		assert.Equal(t, []byte("key"), f.key)
		assert.Equal(t, []byte("value"), f.value)
	})

	t.Run("tombstone", func(t *testing.T) {
		buf, _ := appendFrame(nil, frame{op: opDelete, key: []byte("gone"), value: []byte("ignored")})
		f, _, err := readFrame(bytes.NewReader(buf))
		require.NoError(t, err)
		assert.Equal(t, opDelete, f.op)
		assert.Equal(t, []byte("gone"), f.key)
		assert.Nil(t, f.value)
	})

	t.Run("clean_eof", func(t *testing.T) {
		_, _, err := readFrame(bytes.NewReader(nil))
		assert.Equal(t, io.EOF, err)
	})

	t.Run("damage_detected", func(t *testing.T) {
		buf, _ := appendFrame(nil, frame{op: opPut, key: []byte("k"), value: []byte("v")})

		_, _, err := readFrame(bytes.NewReader(buf[:len(buf)-1]))
		assert.ErrorIs(t, err, errIncompleteFrame)

		_, _, err = readFrame(bytes.NewReader(buf[:4]))
		assert.ErrorIs(t, err, errIncompleteFrame)

		flipped := bytes.Clone(buf)
		flipped[len(flipped)-1] ^= 0xFF
		_, _, err = readFrame(bytes.NewReader(flipped))
		assert.ErrorIs(t, err, errChecksumMismatch)

		badOp := bytes.Clone(buf)
		badOp[1] = opDelete
		_, _, err = readFrame(bytes.NewReader(badOp))
		assert.ErrorIs(t, err, errChecksumMismatch)

		badMagic := bytes.Clone(buf)
		badMagic[0] = 0
		_, _, err = readFrame(bytes.NewReader(badMagic))
		assert.ErrorIs(t, err, errInvalidMagic)
	})
}

func TestLogStore(t *testing.T) {
	t.Run("survives_reopen", func(t *testing.T) {
		dir := t.TempDir()
		s := openTestLog(t, dir)
		require.NoError(t, s.Put([]byte("a"), []byte("1")))
		require.NoError(t, s.Put([]byte("b"), []byte("2")))
		require.NoError(t, s.Put([]byte("a"), []byte("3")))
		require.NoError(t, s.Delete([]byte("b")))
		require.NoError(t, s.PutBulk(map[string][]byte{"c": []byte("4"), "d": []byte("5")}))
		require.NoError(t, s.Close())

		s = openTestLog(t, dir)
		defer s.Close()
		v, err := s.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("3"), v)
		_, err = s.Get([]byte("b"))
		assert.ErrorIs(t, err, ErrNotFound)
		got, err := s.GetBulk([][]byte{[]byte("c"), []byte("d")})
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"c": []byte("4"), "d": []byte("5")}, got)
		assert.Equal(t, 3, s.Stats().Keys)
	})

	t.Run("torn_tail_is_truncated", func(t *testing.T) {
		dir := t.TempDir()
		s := openTestLog(t, dir)
		require.NoError(t, s.Put([]byte("kept"), []byte("value")))
		size := s.Stats().FileBytes
		require.NoError(t, s.Close())

		partial, _ := appendFrame(nil, frame{op: opPut, key: []byte("torn"), value: []byte("half written")})
		f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_APPEND|os.O_WRONLY, 0644)
		require.NoError(t, err)
		_, err = f.Write(partial[:len(partial)-3])
		require.NoError(t, err)
		require.NoError(t, f.Close())

		s = openTestLog(t, dir)
		v, err := s.Get([]byte("kept"))
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), v)
		_, err = s.Get([]byte("torn"))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, size, s.Stats().FileBytes)

		// New writes land after the truncation point and survive another reopen.
		require.NoError(t, s.Put([]byte("after"), []byte("crash")))
		require.NoError(t, s.Close())

		info, err := os.Stat(filepath.Join(dir, logFileName))
		require.NoError(t, err)
		s = openTestLog(t, dir)
		defer s.Close()
		assert.Equal(t, info.Size(), s.Stats().FileBytes)
		v, err = s.Get([]byte("after"))
		require.NoError(t, err)
		assert.Equal(t, []byte("crash"), v)
	})

	t.Run("corrupt_tail_frame_dropped", func(t *testing.T) {
		dir := t.TempDir()
		s := openTestLog(t, dir)
		require.NoError(t, s.Put([]byte("first"), []byte("ok")))
		require.NoError(t, s.Put([]byte("second"), []byte("bad")))
		require.NoError(t, s.Close())

		path := filepath.Join(dir, logFileName)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[len(data)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0644))

		s = openTestLog(t, dir)
		defer s.Close()
		_, err = s.Get([]byte("first"))
		assert.NoError(t, err)
		_, err = s.Get([]byte("second"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("corrupt_middle_frame_fails_open", func(t *testing.T) {
		dir := t.TempDir()
		s := openTestLog(t, dir)
		require.NoError(t, s.Put([]byte("a"), []byte("1")))
		require.NoError(t, s.Put([]byte("b"), []byte("2")))
		require.NoError(t, s.Put([]byte("c"), []byte("3")))
		require.NoError(t, s.Close())

		frameA, _ := appendFrame(nil, frame{op: opPut, key: []byte("a"), value: []byte("1")})
		frameB, _ := appendFrame(nil, frame{op: opPut, key: []byte("b"), value: []byte("2")})
		path := filepath.Join(dir, logFileName)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[len(frameA)+len(frameB)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0644))

		_, err = OpenLog(Options{Dir: dir, SyncMode: SyncImmediate})
		require.ErrorIs(t, err, ErrCorrupt)
		assert.ErrorIs(t, err, errChecksumMismatch)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), info.Size(), "intact frames must not be discarded")

		// The failed open released the directory lock.
		data[len(frameA)+len(frameB)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0644))
		s = openTestLog(t, dir)
		defer s.Close()
		got, err := s.GetBulk([][]byte{[]byte("a"), []byte("b"), []byte("c")})
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("garbage_header_mid_log_fails_open", func(t *testing.T) {
		dir := t.TempDir()
		s := openTestLog(t, dir)
		require.NoError(t, s.Put([]byte("a"), []byte("1")))
		require.NoError(t, s.Put([]byte("b"), []byte("2")))
		require.NoError(t, s.Close())

		path := filepath.Join(dir, logFileName)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[0] = 0x00
		require.NoError(t, os.WriteFile(path, data, 0644))

		_, err = OpenLog(Options{Dir: dir})
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("zero_filled_tail_is_truncated", func(t *testing.T) {
		dir := t.TempDir()
		s := openTestLog(t, dir)
		require.NoError(t, s.Put([]byte("kept"), []byte("value")))
		size := s.Stats().FileBytes
		require.NoError(t, s.Close())

		f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_APPEND|os.O_WRONLY, 0644)
		require.NoError(t, err)
		_, err = f.Write(make([]byte, 4096))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		s = openTestLog(t, dir)
		defer s.Close()
		assert.Equal(t, size, s.Stats().FileBytes)
		v, err := s.Get([]byte("kept"))
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), v)
	})

	t.Run("compaction_reclaims_space", func(t *testing.T) {
		dir := t.TempDir()
		s := openTestLog(t, dir)
		for i := 0; i < 50; i++ {
			require.NoError(t, s.Put([]byte("hot"), []byte(fmt.Sprintf("version-%d", i))))
		}
		require.NoError(t, s.Put([]byte("dead"), []byte("soon")))
		require.NoError(t, s.Delete([]byte("dead")))
		require.NoError(t, s.Put([]byte("cold"), []byte("stable")))

		before := s.Stats()
		assert.Greater(t, before.GarbageBytes, int64(0))

		require.NoError(t, s.Compact())
		after := s.Stats()
		assert.Equal(t, int64(0), after.GarbageBytes)
		assert.Less(t, after.FileBytes, before.FileBytes)
		assert.Equal(t, 2, after.Keys)

		v, err := s.Get([]byte("hot"))
		require.NoError(t, err)
		assert.Equal(t, []byte("version-49"), v)

		require.NoError(t, s.Put([]byte("fresh"), []byte("write")))
		require.NoError(t, s.Close())

		_, err = os.Stat(filepath.Join(dir, logFileName+".compact"))
		assert.True(t, os.IsNotExist(err))

		s = openTestLog(t, dir)
		defer s.Close()
		got, err := s.GetBulk([][]byte{[]byte("hot"), []byte("cold"), []byte("fresh"), []byte("dead")})
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{
			"hot":   []byte("version-49"),
			"cold":  []byte("stable"),
			"fresh": []byte("write"),
		}, got)
	})

	t.Run("directory_is_locked", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("advisory locks are unix only")
		}
		dir := t.TempDir()
		s := openTestLog(t, dir)
		_, err := OpenLog(Options{Dir: dir})
		assert.ErrorIs(t, err, ErrLocked)
		require.NoError(t, s.Close())

		s2, err := OpenLog(Options{Dir: dir})
		require.NoError(t, err)
		require.NoError(t, s2.Close())
	})

	t.Run("batch_sync_mode", func(t *testing.T) {
		dir := t.TempDir()
		s, err := OpenLog(Options{Dir: dir, SyncMode: SyncBatch})
		require.NoError(t, err)
		require.NoError(t, s.Put([]byte("k"), []byte("v")))
		require.NoError(t, s.Sync())
		require.NoError(t, s.Close())

		s = openTestLog(t, dir)
		defer s.Close()
		v, err := s.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
	})
}
