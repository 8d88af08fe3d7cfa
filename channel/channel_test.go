package channel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFraming(t *testing.T) {
	rec := Record{Name: Response, Seq: 7, ID: "a1", Ref: "r9", Payload: []byte("0.55\nsecond line")}

	got, err := decode(Response, encode(rec))
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	t.Run("empty ids", func(t *testing.T) {
		got, err := decode(Request, encode(Record{Name: Request, Seq: 1}))
		require.NoError(t, err)
		assert.Empty(t, got.ID)
		assert.Empty(t, got.Ref)
		assert.Empty(t, got.Payload)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, data := range []string{
			"0.55",
			"ckks-record/2 seq=1 id=- ref=-\n0.55",
			"ckks-record/1 seq=x id=- ref=-\n",
			"ckks-record/1 seq=1 id=- who=-\n",
			"ckks-record/1 seq=1 id=-\n",
		} {
			_, err := decode(Response, []byte(data))
			assert.ErrorIs(t, err, ErrMalformedRecord, data)
		}
	})
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	_, err := s.Get(ctx, Request)
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := s.Put(ctx, Record{Name: Request, ID: "req-1", Payload: []byte("0.5")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Seq)

	second, err := s.Put(ctx, Record{Name: Request, ID: "req-2", Payload: []byte("0.25")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Seq)

	got, err := s.Get(ctx, Request)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	ok, err := s.Exists(ctx, Request)
	require.NoError(t, err)
	assert.True(t, ok)

	// Sequence numbers are per name.
	other, err := s.Put(ctx, Record{Name: Response, Payload: []byte("1")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), other.Seq)

	require.NoError(t, s.Delete(ctx, Request))
	assert.ErrorIs(t, s.Delete(ctx, Request), ErrNotFound)

	ok, err = s.Exists(ctx, Request)
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("no temp files left", func(t *testing.T) {
		entries, err := os.ReadDir(s.Dir())
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".tmp")
		}
	})

	t.Run("invalid names", func(t *testing.T) {
		for _, name := range []string{"", ".seq", "../x", "a/b"} {
			_, err := s.Put(ctx, Record{Name: name})
			assert.ErrorIs(t, err, ErrInvalidName, name)
		}
	})
}

func TestFramedSizeBoundsEncoding(t *testing.T) {
	rec := Record{Name: Request, Seq: ^uint64(0), ID: "req-1", Payload: []byte("0.5")}
	assert.GreaterOrEqual(t, framedSize(rec), int64(len(encode(rec))))
}

func TestFileStoreDeleteSeq(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	assert.ErrorIs(t, s.DeleteSeq(ctx, Request, 1), ErrNotFound)

	first, err := s.Put(ctx, Record{Name: Request, ID: "req-1"})
	require.NoError(t, err)
	second, err := s.Put(ctx, Record{Name: Request, ID: "req-2"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteSeq(ctx, Request, first.Seq), ErrSuperseded)
	got, err := s.Get(ctx, Request)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	require.NoError(t, s.DeleteSeq(ctx, Request, second.Seq))
	_, err = s.Get(ctx, Request)
	assert.ErrorIs(t, err, ErrNotFound)

	// Unreadable records are consumed.
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), Request), []byte("garbage"), 0600))
	require.NoError(t, s.DeleteSeq(ctx, Request, 9))
	_, err = s.Get(ctx, Request)
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".claimed"), e.Name())
	}
}

func TestFileStoreDeleteSeqKeepsConcurrentPut(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Two stores over one directory share no lock, like two processes.
	writer, err := NewFileStore(dir)
	require.NoError(t, err)
	reader, err := NewFileStore(dir)
	require.NoError(t, err)

	stale, err := writer.Put(ctx, Record{Name: Request, ID: "req-0"})
	require.NoError(t, err)

	const puts = 200
	var last Record
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < puts; i++ {
			rec, err := writer.Put(ctx, Record{Name: Request, ID: "req"})
			if err != nil {
				t.Error(err)
				return
			}
			last = rec
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < puts; i++ {
			err := reader.DeleteSeq(ctx, Request, stale.Seq)
			if err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrNotFound) {
				t.Error(err)
				return
			}
		}
	}()
	wg.Wait()

	got, err := reader.Get(ctx, Request)
	require.NoError(t, err)
	assert.Equal(t, last.Seq, got.Seq)
}

func TestFileStoreSizeLimit(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	s.limit = 64

	_, err := s.Put(ctx, Record{Name: PublicKey, Payload: make([]byte, 100)})
	assert.ErrorIs(t, err, ErrRecordTooLarge)
	ok, err := s.Exists(ctx, PublicKey)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Put(ctx, Record{Name: PublicKey, Payload: []byte("small")})
	require.NoError(t, err)

	// A record written by a peer with a larger limit is refused before it is read whole.
	big := encode(Record{Name: SecretKey, Seq: 1, Payload: make([]byte, 100)})
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), SecretKey), big, 0600))
	_, err = s.Get(ctx, SecretKey)
	assert.ErrorIs(t, err, ErrRecordTooLarge)
	assert.ErrorIs(t, err, ErrMalformedRecord)

	_, found, err := NewWatcher(s, 0, nil).Check(ctx, nil, SecretKey)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStorePurgeKeepsSequence(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	_, err := s.Put(ctx, Record{Name: Request})
	require.NoError(t, err)
	_, err = s.Put(ctx, Record{Name: PublicKey, Payload: []byte{0, 1, 2}})
	require.NoError(t, err)

	require.NoError(t, s.Purge(ctx))

	for _, name := range []string{Request, PublicKey} {
		ok, err := s.Exists(ctx, name)
		require.NoError(t, err)
		assert.False(t, ok, name)
	}

	rec, err := s.Put(ctx, Record{Name: Request})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Seq)
}

func listing(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out[path] = string(data) + "@" + info.ModTime().String()
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestPollingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	w := NewWatcher(s, 10*time.Millisecond, nil)

	_, err := s.Put(ctx, Record{Name: Request, ID: "req-1", Payload: []byte("0.1\n0.2")})
	require.NoError(t, err)

	before := listing(t, s.Dir())
	for i := 0; i < 5; i++ {
		_, ok, err := w.Check(ctx, nil, Response, Failure, Request)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, before, listing(t, s.Dir()))
}

func TestWatcherWait(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	w := NewWatcher(s, 5*time.Millisecond, nil)

	t.Run("waits for a later put", func(t *testing.T) {
		go func() {
			time.Sleep(30 * time.Millisecond)
			_, _ = s.Put(ctx, Record{Name: Response, Ref: "req-1", Payload: []byte("0.55")})
		}()

		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		rec, err := w.Wait(ctx, Response, nil)
		require.NoError(t, err)
		assert.Equal(t, "req-1", rec.Ref)
	})

	t.Run("ignores stale records", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := w.WaitAny(ctx, func(r Record) bool { return r.Ref == "req-2" }, Response, Failure)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("earliest name wins", func(t *testing.T) {
		_, err := s.Put(ctx, Record{Name: Failure, Ref: "req-3", Payload: []byte("InputSizeMismatch: 3 != 4")})
		require.NoError(t, err)
		_, err = s.Put(ctx, Record{Name: Response, Ref: "req-3", Payload: []byte("0.1")})
		require.NoError(t, err)

		rec, err := w.WaitAny(ctx, func(r Record) bool { return r.Ref == "req-3" }, Failure, Response)
		require.NoError(t, err)
		assert.Equal(t, Failure, rec.Name)
	})

	t.Run("malformed record is absent", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), CipherSize), []byte("garbage"), 0600))

		_, ok, err := w.Check(ctx, nil, CipherSize)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("CKKS_TEST_REDIS")
	if addr == "" {
		t.Skip("CKKS_TEST_REDIS not set")
	}

	ctx := context.Background()
	prefix := "ckks-test:" + time.Now().Format("150405.000000") + ":"
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: addr}), prefix)
	defer s.Close()
	defer s.Purge(ctx)

	rec, err := s.Put(ctx, Record{Name: Request, ID: "req-1", Payload: []byte("0.5")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Seq)

	got, err := s.Get(ctx, Request)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	t.Run("notification wakes the watcher", func(t *testing.T) {
		// Polling interval far above the timeout: only the notification can satisfy the wait.
		w := NewWatcher(s, time.Hour, nil)

		go func() {
			time.Sleep(50 * time.Millisecond)
			_, _ = s.Put(ctx, Record{Name: Response, Ref: "req-1", Payload: []byte("0.55")})
		}()

		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		rec, err := w.Wait(ctx, Response, func(r Record) bool { return r.Ref == "req-1" })
		require.NoError(t, err)
		assert.Equal(t, "0.55", string(rec.Payload))
	})

	t.Run("delete by sequence", func(t *testing.T) {
		older, err := s.Put(ctx, Record{Name: Request, ID: "req-2"})
		require.NoError(t, err)
		newer, err := s.Put(ctx, Record{Name: Request, ID: "req-3"})
		require.NoError(t, err)

		assert.ErrorIs(t, s.DeleteSeq(ctx, Request, older.Seq), ErrSuperseded)
		got, err := s.Get(ctx, Request)
		require.NoError(t, err)
		assert.Equal(t, newer.Seq, got.Seq)

		require.NoError(t, s.DeleteSeq(ctx, Request, newer.Seq))
		assert.ErrorIs(t, s.DeleteSeq(ctx, Request, newer.Seq), ErrNotFound)
	})

	t.Run("size limit", func(t *testing.T) {
		limit := s.limit
		defer func() { s.limit = limit }()
		s.limit = 64

		_, err := s.Put(ctx, Record{Name: CipherBinary, Payload: make([]byte, 100)})
		assert.ErrorIs(t, err, ErrRecordTooLarge)

		s.limit = limit
		_, err = s.Put(ctx, Record{Name: CipherBinary, Payload: make([]byte, 100)})
		require.NoError(t, err)
		s.limit = 64
		_, err = s.Get(ctx, CipherBinary)
		assert.ErrorIs(t, err, ErrRecordTooLarge)
	})

	require.NoError(t, s.Purge(ctx))
	for _, name := range []string{Request, Response} {
		_, err := s.Get(ctx, name)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.ErrorIs(t, s.Delete(ctx, Request), ErrNotFound)

	keys, err := s.client.Keys(ctx, prefix+"seq:*").Result()
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{prefix + "seq:" + CipherBinary, prefix + "seq:" + Request, prefix + "seq:" + Response}, keys)
	s.client.Del(ctx, keys...)
}
