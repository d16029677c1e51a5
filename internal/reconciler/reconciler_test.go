package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/allenai/objaverse-rendering/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cameras = 3

func writeFrame(t *testing.T, root, uid string, i int, body string) string {
	t.Helper()
	dir := filepath.Join(root, uid)
	require.NoError(t, os.MkdirAll(dir, 0755))
	p := filepath.Join(dir, fmt.Sprintf("%03d.png", i))
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func writeSet(t *testing.T, root, uid string) {
	for i := 0; i < cameras; i++ {
		writeFrame(t, root, uid, i, uid)
	}
}

func newReconciler(root string, store storage.Provider) *Reconciler {
	return New(store, nil, Options{
		Root:        root,
		CameraCount: cameras,
		MinFileAge:  2 * time.Second,
		Now:         func() time.Time { return time.Now().Add(time.Hour) },
	})
}

func TestPassUploadsThenDeletesCompleteSets(t *testing.T) {
	root := t.TempDir()
	writeSet(t, root, "a")
	writeSet(t, root, "b")
	store := storage.NewMemory()
	r := newReconciler(root, store)

	rep, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Scanned)
	assert.Equal(t, 6, rep.Uploaded)
	assert.Equal(t, 2, rep.Deleted)
	assert.Equal(t, 6, r.Uploaded())

	data, ok := store.Get("a/001.png")
	require.True(t, ok)
	assert.Equal(t, "a", string(data))
	assert.NoDirExists(t, filepath.Join(root, "a"))
	assert.NoDirExists(t, filepath.Join(root, "b"))

	rep, err = r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
}

func TestIncompleteSetIsNeverDeleted(t *testing.T) {
	root := t.TempDir()
	writeFrame(t, root, "partial", 0, "x")
	writeFrame(t, root, "partial", 1, "x")
	store := storage.NewMemory()
	r := newReconciler(root, store)

	rep, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Uploaded)
	assert.Equal(t, 0, rep.Deleted)
	assert.DirExists(t, filepath.Join(root, "partial"))

	writeFrame(t, root, "partial", 2, "x")
	rep, err = r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Uploaded)
	assert.Equal(t, 1, rep.Deleted)
	assert.Equal(t, 3, store.Puts())
}

func TestUploadFailureBlocksDeletionUntilRetried(t *testing.T) {
	root := t.TempDir()
	writeSet(t, root, "a")
	writeSet(t, root, "b")
	store := storage.NewMemory()
	store.PutHook = func(key string) error {
		if key == "b/001.png" {
			return errors.New("503 service unavailable")
		}
		return nil
	}
	r := newReconciler(root, store)

	rep, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Uploaded)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, 1, rep.Deleted)
	assert.NoDirExists(t, filepath.Join(root, "a"))
	assert.DirExists(t, filepath.Join(root, "b"))

	store.PutHook = nil
	rep, err = r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Uploaded)
	assert.Equal(t, 1, rep.Deleted)
	assert.NoDirExists(t, filepath.Join(root, "b"))
	assert.Equal(t, 6, store.Len())
}

func TestYoungFilesWaitForNextPass(t *testing.T) {
	root := t.TempDir()
	writeSet(t, root, "fresh")
	store := storage.NewMemory()

	now := time.Now()
	r := New(store, nil, Options{
		Root:        root,
		CameraCount: cameras,
		MinFileAge:  time.Minute,
		Now:         func() time.Time { return now },
	})

	rep, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Young)
	assert.Equal(t, 0, rep.Uploaded)
	assert.DirExists(t, filepath.Join(root, "fresh"))

	now = now.Add(2 * time.Minute)
	rep, err = r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Uploaded)
	assert.Equal(t, 1, rep.Deleted)
}

func TestRewrittenFrameIsUploadedAgain(t *testing.T) {
	root := t.TempDir()
	writeFrame(t, root, "redo", 0, "v1")
	writeFrame(t, root, "redo", 1, "v1")
	store := storage.NewMemory()
	r := newReconciler(root, store)

	_, err := r.Pass(context.Background())
	require.NoError(t, err)

	// A redelivered job renders the set again.
	p := writeFrame(t, root, "redo", 0, "version-2")
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(p, later, later))
	writeFrame(t, root, "redo", 2, "v2")

	rep, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Uploaded, "the rewritten frame and the new one")
	assert.Equal(t, 1, rep.Deleted)

	data, ok := store.Get("redo/000.png")
	require.True(t, ok)
	assert.Equal(t, "version-2", string(data))
}

func TestNonMatchingFilesAreIgnored(t *testing.T) {
	root := t.TempDir()
	writeSet(t, root, "a")
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "render.log"), []byte("log"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.png"), []byte("x"), 0644))
	store := storage.NewMemory()
	r := newReconciler(root, store)

	rep, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Uploaded)
	assert.Equal(t, 1, rep.Deleted, "extra non-frame files do not block deletion")
	assert.FileExists(t, filepath.Join(root, "stray.png"))
}

func TestMissingRootIsEmpty(t *testing.T) {
	r := newReconciler(filepath.Join(t.TempDir(), "views"), storage.NewMemory())
	rep, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
}

func TestLocalFSEndToEnd(t *testing.T) {
	root := t.TempDir()
	remote := t.TempDir()
	writeSet(t, root, "uid42")
	r := newReconciler(root, storage.NewLocalFS(remote))

	rep, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deleted)
	for i := 0; i < cameras; i++ {
		assert.FileExists(t, filepath.Join(remote, "uid42", fmt.Sprintf("%03d.png", i)))
	}
}

func TestUploadLedger(t *testing.T) {
	l := NewUploadLedger()
	ts := time.Unix(100, 0)
	fp := Fingerprint{Size: 10, ModTime: ts}
	assert.False(t, l.Uploaded("a", fp))

	l.Add("a", fp)
	assert.True(t, l.Uploaded("a", fp))
	assert.False(t, l.Uploaded("a", Fingerprint{Size: 11, ModTime: ts}))
	assert.False(t, l.Uploaded("a", Fingerprint{Size: 10, ModTime: ts.Add(time.Second)}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Add(fmt.Sprintf("f%d", i), fp)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 51, l.Len())
}

func TestRunStopsWithContext(t *testing.T) {
	root := t.TempDir()
	writeSet(t, root, "a")
	r := newReconciler(root, storage.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.Uploaded() == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
