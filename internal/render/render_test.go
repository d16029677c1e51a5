package render

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/allenai/objaverse-rendering/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBlender writes a shell script that parses --output_dir/--object_path/
// --num_images and writes that many frames, mimicking the real renderer.
func fakeBlender(t *testing.T, body string) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "blender.sh")
	src := `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    --object_path) obj="$2"; shift ;;
    --output_dir) out="$2"; shift ;;
    --num_images) n="$2"; shift ;;
  esac
  shift
done
uid=$(basename "$obj"); uid=${uid%%.*}
` + body
	require.NoError(t, os.WriteFile(script, []byte(src), 0755))
	return script
}

const writeFrames = `mkdir -p "$out/$uid"
i=0
while [ $i -lt $n ]; do
  printf 'png' > "$out/$uid/$(printf '%03d' $i).png"
  i=$((i+1))
done
`

func TestCommandArgs(t *testing.T) {
	r := &ExecRenderer{Args: []string{"-b", "-P", "script.py", "--"}, Engine: "CYCLES"}
	args := r.CommandArgs(Request{ModelPath: "/m/a.glb", OutputDir: "views", CameraCount: 12, CameraDistance: 1.2, Scale: 0.8})
	assert.Equal(t, []string{
		"-b", "-P", "script.py", "--",
		"--object_path", "/m/a.glb",
		"--output_dir", "views",
		"--num_images", "12",
		"--camera_dist", "1.2",
		"--scale", "0.8",
		"--engine", "CYCLES",
	}, args)

	r.Engine = ""
	assert.NotContains(t, r.CommandArgs(Request{}), "--engine")
}

func TestExecRendererWritesFrames(t *testing.T) {
	out := t.TempDir()
	r := &ExecRenderer{Command: fakeBlender(t, writeFrames), Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}

	job := types.JobID("/models/abc123.glb")
	err := r.Render(context.Background(), Request{Job: job, ModelPath: string(job), OutputDir: out, CameraCount: 4})
	require.NoError(t, err)

	require.NoError(t, Verify(out, job, 4, "*.png"))
	assert.ErrorIs(t, Verify(out, job, 12, "*.png"), ErrIncompleteArtifacts)
}

func TestExecRendererNonZeroExit(t *testing.T) {
	r := &ExecRenderer{Command: fakeBlender(t, "exit 3\n")}
	err := r.Render(context.Background(), Request{Job: "x", ModelPath: "x.glb", OutputDir: t.TempDir(), CameraCount: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRendererUnavailable)
}

func TestExecRendererMissingBinary(t *testing.T) {
	r := &ExecRenderer{Command: filepath.Join(t.TempDir(), "no-such-blender")}
	err := r.Render(context.Background(), Request{Job: "x", ModelPath: "x.glb"})
	assert.ErrorIs(t, err, ErrRendererUnavailable)
}

func TestExecRendererTimeout(t *testing.T) {
	r := &ExecRenderer{Command: fakeBlender(t, "sleep 5\n"), Timeout: 100 * time.Millisecond}
	start := time.Now()
	err := r.Render(context.Background(), Request{Job: "slow", ModelPath: "slow.glb", OutputDir: t.TempDir(), CameraCount: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCountArtifacts(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("%03d.png", i)), nil, 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "log.txt"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0755))

	n, err := CountArtifacts(dir, "*.png")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = CountArtifacts(filepath.Join(dir, "missing"), "*.png")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestResolveLocalPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.glb")
	require.NoError(t, os.WriteFile(p, []byte("glb"), 0644))

	r := NewResolver(t.TempDir(), 0)
	asset, err := r.Resolve(context.Background(), types.JobID(p))
	require.NoError(t, err)
	assert.Equal(t, p, asset.Path)
	asset.Release()
	_, err = os.Stat(p)
	assert.NoError(t, err, "local models are never removed")

	_, err = r.Resolve(context.Background(), types.JobID(filepath.Join(t.TempDir(), "gone.glb")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveDownloadAndRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.glb" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("model-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := NewResolver(dir, 5*time.Second)

	asset, err := r.Resolve(context.Background(), types.JobID(srv.URL+"/glbs/000-001/uid42.glb?sig=1"))
	require.NoError(t, err)
	assert.Equal(t, "uid42.glb", filepath.Base(asset.Path))
	data, err := os.ReadFile(asset.Path)
	require.NoError(t, err)
	assert.Equal(t, "model-bytes", string(data))

	asset.Release()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = r.Resolve(context.Background(), types.JobID(srv.URL+"/missing.glb"))
	require.Error(t, err)
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed downloads clean up after themselves")
}
