package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestServeCommandFlags(t *testing.T) {
	root := newRootCommand(viper.New())
	serveCmd, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("find serve command: %v", err)
	}
	if flag := serveCmd.Flags().Lookup("listen"); flag == nil {
		t.Fatalf("expected --listen on serve command")
	} else if flag.Shorthand != "l" || flag.DefValue != "127.0.0.1:8080" {
		t.Fatalf("unexpected --listen flag: -%s default %q", flag.Shorthand, flag.DefValue)
	}
	if flag := serveCmd.Flags().Lookup("max-message-bytes"); flag == nil || flag.DefValue != "4194304" {
		t.Fatalf("expected --max-message-bytes defaulting to 4194304")
	}
	if inherited := serveCmd.InheritedFlags().Lookup("config"); inherited == nil || inherited.Shorthand != "c" {
		t.Fatalf("expected inherited --config/-c on serve command")
	}
}

func TestConfigFromViper(t *testing.T) {
	type testCase struct {
		name    string
		args    []string
		env     map[string]string
		check   func(t *testing.T, cfg Config)
		wantErr string
	}

	testCases := []testCase{
		{
			name: "defaults",
			check: func(t *testing.T, cfg Config) {
				if cfg.Listen != "127.0.0.1:8080" || cfg.SSEPath != "/sse" || cfg.MessagePath != "/message" {
					t.Errorf("unexpected defaults: %+v", cfg)
				}
				if cfg.MaxMessageBytes != 4<<20 {
					t.Errorf("MaxMessageBytes = %d, want %d", cfg.MaxMessageBytes, 4<<20)
				}
				if cfg.MessageURL() != "/message" {
					t.Errorf("MessageURL = %q, want /message", cfg.MessageURL())
				}
			},
		},
		{
			name: "flags",
			args: []string{"--base-url", "https://bridge.example.com/", "--message-path", "/rpc", "--keepalive", "5s", "--tools", "add,e*"},
			check: func(t *testing.T, cfg Config) {
				if strings.Join(cfg.Tools, " ") != "add e*" {
					t.Errorf("Tools = %q", cfg.Tools)
				}
				if cfg.MessageURL() != "https://bridge.example.com/rpc" {
					t.Errorf("MessageURL = %q", cfg.MessageURL())
				}
				if cfg.KeepAlive != 5*time.Second {
					t.Errorf("KeepAlive = %s, want 5s", cfg.KeepAlive)
				}
			},
		},
		{
			name: "environment",
			env:  map[string]string{"BRIDGE_ADDR": ":9999", "BRIDGE_REDIS_ADDR": "redis:6379"},
			check: func(t *testing.T, cfg Config) {
				if cfg.Listen != ":9999" || cfg.RedisAddr != "redis:6379" {
					t.Errorf("env not applied: %+v", cfg)
				}
			},
		},
		{
			name:    "relative path",
			args:    []string{"--sse-path", "sse"},
			wantErr: "must start with /",
		},
		{
			name:    "same paths",
			args:    []string{"--sse-path", "/x", "--message-path", "/x"},
			wantErr: "must differ",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, val := range tc.env {
				t.Setenv(k, val)
			}

			v := viper.New()
			root := newRootCommand(v)
			serveCmd, _, err := root.Find([]string{"serve"})
			if err != nil {
				t.Fatalf("find serve command: %v", err)
			}
			if err := serveCmd.ParseFlags(tc.args); err != nil {
				t.Fatalf("parse flags: %v", err)
			}

			cfg, err := configFromViper(v)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("configFromViper: %v", err)
			}
			tc.check(t, cfg)
		})
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte("listen: 127.0.0.1:7000\nlog:\n  level: debug\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	v := viper.New()
	root := newRootCommand(v)
	if err := root.PersistentFlags().Parse([]string{"--config", path}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := loadConfigFile(v); err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}

	cfg, err := configFromViper(v)
	if err != nil {
		t.Fatalf("configFromViper: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7000" {
		t.Errorf("Listen = %q, want 127.0.0.1:7000", cfg.Listen)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := parseLevel("warn"); err != nil || lvl != slog.LevelWarn {
		t.Fatalf("parseLevel(warn) = %v, %v", lvl, err)
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := newLogger(io.Discard, "xml", new(slog.LevelVar)); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestServeAndCall(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	v := viper.New()
	newRootCommand(v)
	cfg, err := configFromViper(v)
	if err != nil {
		t.Fatalf("configFromViper: %v", err)
	}
	cfg.KeepAlive = 0

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- serve(ctx, cfg, ln, logger)
	}()

	callCtx, callCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer callCancel()

	url := "http://" + ln.Addr().String() + "/sse"

	var out bytes.Buffer
	if err := callTool(callCtx, url, "add", []byte(`{"a":5,"b":6}`), &out, logger); err != nil {
		t.Fatalf("callTool: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "11" {
		t.Errorf("output = %q, want 11", got)
	}

	out.Reset()
	err = callTool(callCtx, url, "add", []byte(`{"a":"x"}`), &out, logger)
	if !errors.Is(err, errToolFailed) {
		t.Errorf("err = %v, want errToolFailed", err)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}
