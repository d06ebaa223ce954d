package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
engines:
  anthropic:
    api_key: first
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan *Config, 4)
	w, err := Watch(ctx, path, func(cfg *Config, err error) {
		if err != nil {
			t.Logf("reload error: %v", err)
			return
		}
		reloads <- cfg
	}, WatchOptions{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`
engines:
  anthropic:
    api_key: second
`), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloads:
			if cfg.Engines.Anthropic.APIKey == "second" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
engines:
  anthropic:
    api_key: k
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan struct{}, 4)
	w, err := Watch(ctx, path, func(*Config, error) {
		reloads <- struct{}{}
	}, WatchOptions{Debounce: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	sibling := path + ".bak"
	if err := os.WriteFile(sibling, []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloads:
		t.Fatal("reload fired for sibling file")
	case <-time.After(300 * time.Millisecond):
	}
}
