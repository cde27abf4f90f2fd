package e2e

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// binaries are the commands under test, built once per test run.
type binaries struct {
	harness    string
	poolserver string
	enginehost string
}

var (
	built     binaries
	buildOnce sync.Once
	buildErr  error
)

func getBinaries(t *testing.T) binaries {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping binary e2e test in short mode")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "streamharness-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		targets := map[string]*string{
			"streamharness": &built.harness,
			"poolserver":    &built.poolserver,
			"enginehost":    &built.enginehost,
		}
		for name, dst := range targets {
			binary := filepath.Join(dir, name)
			cmd := exec.Command("go", "build", "-o", binary, "./cmd/"+name)
			cmd.Dir = root
			out, err := cmd.CombinedOutput()
			if err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", name, err, out)
				return
			}
			*dst = binary
		}
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return built
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// poolProc holds the running pool server subprocess and its output.
type poolProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startPoolServer(t *testing.T, binary string, env ...string) *poolProc {
	t.Helper()

	addr := freeAddr(t)
	dbPath := filepath.Join(t.TempDir(), "pool.db")

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"STREAMHARNESS_LISTEN_ADDR="+addr,
		"STREAMHARNESS_DB_PATH="+dbPath,
		"STREAMHARNESS_LOG_LEVEL=info",
		"STREAMHARNESS_LOG_FORMAT=json",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start pool server: %v", err)
	}

	pp := &poolProc{cmd: cmd, stdout: stdout, url: "http://" + addr}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(pp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return pp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("pool server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}
