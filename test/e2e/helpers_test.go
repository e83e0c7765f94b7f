package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
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

// proc holds a running subprocess and its output.
type proc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	addr   string
}

// stop sends SIGINT and waits so the process can flush its state.
func (p *proc) stop(t *testing.T) {
	t.Helper()
	p.cmd.Process.Signal(syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		p.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(startupTimeout):
		p.cmd.Process.Kill()
		<-done
	}
}

var (
	binaries  = map[string]string{}
	buildOnce sync.Once
	buildErr  error
)

func getBinary(t *testing.T, name string) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "flowtask-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		for _, cmdName := range []string{"flowtask", "fakeengine"} {
			binary := filepath.Join(dir, cmdName)
			cmd := exec.Command("go", "build", "-o", binary, "./cmd/"+cmdName)
			cmd.Dir = root
			out, err := cmd.CombinedOutput()
			if err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", cmdName, err, out)
				return
			}
			binaries[cmdName] = binary
		}
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return binaries[name]
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

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func start(t *testing.T, binary string, args, env []string) *proc {
	t.Helper()
	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", binary, err)
	}
	p := &proc{cmd: cmd, stdout: stdout}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return p
}

// startFakeEngine runs the fake engine on a free port and waits until its
// queue endpoint answers.
func startFakeEngine(t *testing.T) int {
	t.Helper()
	port := freePort(t)
	p := start(t, getBinary(t, "fakeengine"), []string{
		"-host", "127.0.0.1",
		"-ports", strconv.Itoa(port),
		"-step-delay", "20ms",
	}, nil)
	waitReady(t, p, fmt.Sprintf("http://127.0.0.1:%d/queue", port))
	return port
}

// startFlowtask runs the server against dbPath and the fake engine port.
func startFlowtask(t *testing.T, dbPath string, enginePort int, extraEnv ...string) *proc {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	env := append([]string{
		"FLOWTASK_LISTEN_ADDR=" + addr,
		"FLOWTASK_DB_PATH=" + dbPath,
		"FLOWTASK_LOG_LEVEL=info",
		fmt.Sprintf("FLOWTASK_ENGINE_URL=http://127.0.0.1:%d", enginePort),
	}, extraEnv...)
	p := start(t, getBinary(t, "flowtask"), nil, env)
	p.addr = addr
	waitReady(t, p, "http://"+addr+"/healthz")
	return p
}

func waitReady(t *testing.T, p *proc, url string) {
	t.Helper()
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("%s did not become ready within %v\nstdout:\n%s", url, startupTimeout, p.stdout.String())
}

func (p *proc) url(path string) string { return "http://" + p.addr + path }

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

type taskBody struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func waitTaskStatus(t *testing.T, p *proc, id, want string) taskBody {
	t.Helper()
	deadline := time.Now().Add(startupTimeout)
	var task taskBody
	for time.Now().Before(deadline) {
		doJSON(t, "GET", p.url("/v1/tasks/"+id), nil, &task)
		if task.Status == want {
			return task
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("task %s status = %q, want %q\nstdout:\n%s", id, task.Status, want, p.stdout.String())
	return task
}
