package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/rmbridge/internal/protocol/frame"
	"github.com/danmuck/rmbridge/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rmbridge.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{"backend", "frontend", "nats"} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s: %v", kind, err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("load %s template: %v", kind, err)
		}
		if cfg.Session.CallTimeout != 300*time.Millisecond || cfg.Session.MaxFrameSize != frame.DefaultMaxFrameSize {
			t.Fatalf("%s template: %+v", kind, cfg.Session)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("overwrote existing %s config", kind)
		}
	}
}

func TestLoadOverlaysOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
role = "frontend"
identity = "fe0"
expected_peer = "be0"
call_timeout = "1s"

[websocket]
url = "ws://be:1/mmrm"
token = "s3cret"

[backoff]
jitter = false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.Role != RoleFrontend || cfg.Session.Identity != "fe0" || cfg.Session.ExpectedPeer != "be0" {
		t.Fatalf("identity fields: %+v", cfg)
	}
	if cfg.Session.CallTimeout != time.Second {
		t.Fatalf("call timeout %s", cfg.Session.CallTimeout)
	}
	if cfg.Websocket.URL != "ws://be:1/mmrm" || cfg.Websocket.Token != "s3cret" || cfg.Websocket.Listen != def.Websocket.Listen {
		t.Fatalf("websocket: %+v", cfg.Websocket)
	}
	if cfg.Session.Label != def.Session.Label || cfg.Session.MaxRecvErrors != def.Session.MaxRecvErrors {
		t.Fatalf("defaults not kept: %+v", cfg.Session)
	}
	if cfg.Session.Backoff.Jitter || cfg.Session.Backoff.InitialDelay != def.Session.Backoff.InitialDelay {
		t.Fatalf("backoff: %+v", cfg.Session.Backoff)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"unknown key":   "identity = \"a\"\nexpected_peer = \"b\"\nbogus = 1\n",
		"bad duration":  "identity = \"a\"\nexpected_peer = \"b\"\ncall_timeout = \"soon\"\n",
		"missing peer":  "identity = \"a\"\n",
		"same identity": "identity = \"a\"\nexpected_peer = \"a\"\n",
		"bad role":      "role = \"proxy\"\nidentity = \"a\"\nexpected_peer = \"b\"\n",
		"bad transport": "transport = \"serial\"\nidentity = \"a\"\nexpected_peer = \"b\"\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil || !strings.Contains(err.Error(), "config load failed") {
		t.Fatalf("missing file: %v", err)
	}
}

func TestUnknownTemplateKind(t *testing.T) {
	testlog.Start(t)
	if _, err := Template("sidecar"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
