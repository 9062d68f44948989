package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opst/gridqueue/internal/testenv"
	"github.com/opst/gridqueue/pkg/configs/backend"
	"github.com/opst/gridqueue/pkg/mirror"
	"github.com/opst/gridqueue/pkg/utils/try"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func writeConfig(t *testing.T, master string) string {
	t.Helper()
	dir := t.TempDir()
	conf := `
site_id: 1
port: 18080
log_level: debug
database:
  driver: sqlite
  dsn: ` + filepath.Join(dir, "gridq.db") + `
queue:
  gridspecs: [grid1]
` + master
	path := filepath.Join(dir, "gridqd.yaml")
	if err := os.WriteFile(path, []byte(conf), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestCLI(t *testing.T, args ...string) (*cli, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	c := newCLI()
	c.log = log
	c.root.SetArgs(args)
	c.root.SetOut(&bytes.Buffer{})
	c.root.SetErr(&bytes.Buffer{})
	return c, hook
}

func TestCommands(t *testing.T) {
	t.Run("init-db then reconcile runs until nothing is left", func(t *testing.T) {
		path := writeConfig(t, "")
		ctx := testenv.Context(t)

		c, _ := newTestCLI(t, "init-db", "--config", path)
		if err := c.root.ExecuteContext(ctx); err != nil {
			t.Fatal(err)
		}
		if c.log.GetLevel() != logrus.DebugLevel {
			t.Errorf("log level = %s", c.log.GetLevel())
		}

		c, _ = newTestCLI(t, "reconcile", "--config", path)
		if err := c.root.ExecuteContext(ctx); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("an unknown policy is an error", func(t *testing.T) {
		path := writeConfig(t, "")
		c, _ := newTestCLI(t, "reconcile", "--config", path, "--policy", "sometimes")
		if err := c.root.ExecuteContext(testenv.Context(t)); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("a missing config is an error", func(t *testing.T) {
		c, _ := newTestCLI(t, "init-db", "--config", filepath.Join(t.TempDir(), "none.yaml"))
		err := c.root.ExecuteContext(testenv.Context(t))
		if err == nil || !strings.Contains(err.Error(), "none.yaml") {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestNewMirror(t *testing.T) {
	log, _ := test.NewNullLogger()

	t.Run("there is no mirror without master", func(t *testing.T) {
		conf := try.To(backend.LoadBackendConfig(writeConfig(t, ""))).OrFatal(t)
		if m := newMirror(conf, log); m != nil {
			t.Errorf("got %v", m)
		}
	})

	for name, master := range map[string]string{
		"http":  "master:\n  url: http://master.example.com/api\n",
		"redis": "master:\n  redis:\n    addr: localhost:6379\n",
	} {
		t.Run("a mirror is built for a "+name+" master", func(t *testing.T) {
			conf := try.To(backend.LoadBackendConfig(writeConfig(t, master))).OrFatal(t)
			m := newMirror(conf, log)
			if m == nil {
				t.Fatal("no mirror")
			}
			m.Add("task", []mirror.Entry{{Index: "a", SQL: "delete from task"}})
			if m.Pending() != 1 {
				t.Errorf("pending = %d", m.Pending())
			}
		})
	}
}
