//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/forge/pkg/forgeclient"
)

// forgeServer manages a running Forge server process.
type forgeServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	apiKey  string
	logFile string
}

// startForge launches the Forge binary on a fresh data directory and waits
// for it to become healthy. Forge is configured entirely via environment
// variables here.
func startForge(t *testing.T) *forgeServer {
	t.Helper()
	requireForge(t)
	return launch(t, t.TempDir(), "e2e-test-api-key", "forge.log")
}

// restartOnSameData stops the server and starts a new one on the same data
// directory. The new server listens on a new port.
func (s *forgeServer) restartOnSameData(t *testing.T) *forgeServer {
	t.Helper()
	s.stop()
	time.Sleep(200 * time.Millisecond) // allow port release
	return launch(t, s.dataDir, s.apiKey, "forge-restart.log")
}

func launch(t *testing.T, dataDir, apiKey, logName string) *forgeServer {
	t.Helper()

	port := freePort(t)
	address := fmt.Sprintf("127.0.0.1:%d", port)
	logFile := filepath.Join(dataDir, logName)

	cmd := exec.Command(forgeBin, "serve")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("FORGE_PORT=%d", port),
		"FORGE_DB_PATH="+filepath.Join(dataDir, "forge.db"),
		"FORGE_API_KEY="+apiKey,
		"FORGE_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"), // skip YAML file
		"FORGE_INDEX_CATCHUP_INTERVAL=200ms",
		"FORGE_SNAPSHOT_INTERVAL=500ms",
	)

	lf, err := os.Create(logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start forge: %v", err)
	}

	s := &forgeServer{
		cmd:     cmd,
		dataDir: dataDir,
		address: address,
		apiKey:  apiKey,
		logFile: logFile,
	}

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		logs, _ := os.ReadFile(logFile)
		t.Fatalf("forge not healthy: %v\n%s", err, logs)
	}

	return s
}

func (s *forgeServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

func (s *forgeServer) baseURL() string {
	return fmt.Sprintf("http://%s", s.address)
}

func (s *forgeServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("%s/api/v1/health", s.baseURL())

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("forge not healthy after %s", timeout)
}

// tablet returns a client acting as the given user.
func (s *forgeServer) tablet(t *testing.T, userID, role string) *forgeclient.Client {
	t.Helper()
	c, err := forgeclient.New(forgeclient.Config{
		BaseURL:  s.baseURL(),
		APIKey:   s.apiKey,
		UserID:   userID,
		Username: userID,
		Role:     role,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

// --- Push payload helpers ---

type fields map[string]any

func rows(t *testing.T, table string, rs ...fields) forgeclient.TableRows {
	t.Helper()
	g := forgeclient.TableRows{Table: table}
	for _, r := range rs {
		raw, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal row: %v", err)
		}
		g.Rows = append(g.Rows, raw)
	}
	return g
}

func uid(n int) string {
	return fmt.Sprintf("30000000-0000-4000-8000-%012d", n)
}

// pullAll drains the change feed from after and returns the changes of the
// named table, keyed by row id. Later changes to a row replace earlier ones.
func pullAll(t *testing.T, c *forgeclient.Client, clientID string, after int64, table string) (map[string]fields, int64) {
	t.Helper()
	got := make(map[string]fields)
	last, err := c.PullAll(context.Background(), clientID, after, 100, func(changes []forgeclient.Change) error {
		for _, ch := range changes {
			if ch.TableName != table {
				continue
			}
			var f fields
			if err := json.Unmarshal(ch.Payload, &f); err != nil {
				return fmt.Errorf("decode payload of %s: %w", ch.RowID, err)
			}
			got[ch.RowID] = f
		}
		return nil
	})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	return got, last
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
