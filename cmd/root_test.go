package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/withmartian/ares/ares-relay/internal/archive"
	"github.com/withmartian/ares/ares-relay/internal/config"
	"github.com/withmartian/ares/ares-relay/internal/relay"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadConfigFile_Explicit(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("TIMEOUT_MINUTES", "")
	path := writeFile(t, "relay.yaml", "server:\n  addr: \":9191\"\nrelay:\n  request_timeout: 90s\n")

	v := viper.New()
	config.SetDefaults(v)
	require.NoError(t, readConfigFile(v, path))

	cfg, err := config.Load(v)
	require.NoError(t, err)
	require.Equal(t, ":9191", cfg.Server.Addr)
	require.Equal(t, 90*time.Second, cfg.Relay.RequestTimeout)
}

func TestReadConfigFile_MissingExplicitFails(t *testing.T) {
	v := viper.New()
	err := readConfigFile(v, filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "reading config file")
}

func TestReadConfigFile_NoDefaultFileIsFine(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	v := viper.New()
	require.NoError(t, readConfigFile(v, ""))
	require.Empty(t, v.ConfigFileUsed())
}

func TestReadConfigFile_LocalFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ares-relay.yaml"), []byte("log:\n  level: debug\n"), 0o600))
	t.Chdir(dir)

	v := viper.New()
	require.NoError(t, readConfigFile(v, ""))
	require.Equal(t, "debug", v.GetString("log.level"))
}

func TestApplyFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("addr", "", "")
	flags.Duration("timeout", 0, "")
	flags.Duration("keepalive", 0, "")
	flags.String("log-level", "", "")
	flags.String("archive", "", "")
	require.NoError(t, flags.Parse([]string{"--addr", "127.0.0.1:9999", "--timeout", "2m", "--archive", "x.db"}))

	cfg := config.Defaults()
	require.NoError(t, applyFlags(flags, &cfg))

	require.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	require.Equal(t, 2*time.Minute, cfg.Relay.RequestTimeout)
	require.Equal(t, "x.db", cfg.Archive.Path)

	// Flags that weren't passed leave the config alone
	require.Equal(t, config.Defaults().Relay.KeepAliveInterval, cfg.Relay.KeepAliveInterval)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestPrintConfig_RoundTrips(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("TIMEOUT_MINUTES", "")

	cfg := config.Defaults()
	cfg.Relay.MaxPending = 4
	cfg.Server.CORSOrigins = []string{"https://ops.example.com"}

	var buf bytes.Buffer
	require.NoError(t, printConfig(&buf, cfg))
	require.Contains(t, buf.String(), "request_timeout: 30m0s")

	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(&buf))
	loaded, err := config.Load(v)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestPrintHistory(t *testing.T) {
	ctx := context.Background()
	store, err := archive.Open(ctx, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var empty bytes.Buffer
	require.NoError(t, printHistory(ctx, &empty, store, 10, false))
	require.JSONEq(t, `[]`, empty.String())

	now := time.Now()
	require.NoError(t, store.Record(ctx, archive.Exchange{
		ID: "a", Prompt: "2+2?", Reply: "4", Outcome: archive.OutcomeReplied,
		Model: "gpt-4", CreatedAt: now, SettledAt: now,
	}))

	var asJSON bytes.Buffer
	require.NoError(t, printHistory(ctx, &asJSON, store, 10, false))
	var got []archive.Exchange
	require.NoError(t, json.Unmarshal(asJSON.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "4", got[0].Reply)

	var asYAML bytes.Buffer
	require.NoError(t, printHistory(ctx, &asYAML, store, 10, true))
	require.Contains(t, asYAML.String(), "outcome: replied")
}

// startServe runs serve on a random port and returns its base URL.
func startServe(t *testing.T, cfg config.Config) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	cfg.Server.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	ports := make(chan int, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(ctx, cfg, func(port int) { ports <- port })
	}()

	select {
	case port := <-ports:
		t.Cleanup(cancel)
		return "http://127.0.0.1:" + strconv.Itoa(port), cancel, errCh
	case err := <-errCh:
		cancel()
		t.Fatalf("serve failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("serve did not start")
	}
	return "", nil, nil
}

func waitServe(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func pendingIDs(t *testing.T, base string) []string {
	t.Helper()
	resp, err := http.Get(base + "/poll")
	require.NoError(t, err)
	defer resp.Body.Close()

	var pending []relay.PendingRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	return ids
}

type chatResult struct {
	status int
	body   []byte
	err    error
}

func postChat(base, body string) <-chan chatResult {
	out := make(chan chatResult, 1)
	go func() {
		resp, err := http.Post(base+"/v1/chat/completions", "application/json", strings.NewReader(body))
		if err != nil {
			out <- chatResult{err: err}
			return
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		out <- chatResult{status: resp.StatusCode, body: buf.Bytes(), err: err}
	}()
	return out
}

func TestServe_HealthAndShutdown(t *testing.T) {
	base, cancel, errCh := startServe(t, config.Defaults())

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	waitServe(t, errCh)
}

func TestServe_ReplyIsArchived(t *testing.T) {
	cfg := config.Defaults()
	cfg.Archive.Path = filepath.Join(t.TempDir(), "relay.db")
	base, cancel, errCh := startServe(t, cfg)

	chat := postChat(base, `{"model":"gpt-4","messages":[{"role":"user","content":"2+2?"}]}`)

	var id string
	require.Eventually(t, func() bool {
		ids := pendingIDs(t, base)
		if len(ids) != 1 {
			return false
		}
		id = ids[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Post(base+"/respond", "application/json",
		strings.NewReader(`{"id":"`+id+`","content":"4"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := <-chat
	require.NoError(t, result.err)
	require.Equal(t, http.StatusOK, result.status)
	var completion relay.ChatCompletion
	require.NoError(t, json.Unmarshal(result.body, &completion))
	require.Equal(t, "4", completion.Content())

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/history")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var exchanges []archive.Exchange
		if json.NewDecoder(resp.Body).Decode(&exchanges) != nil || len(exchanges) != 1 {
			return false
		}
		return exchanges[0].ID == id && exchanges[0].Outcome == archive.OutcomeReplied && exchanges[0].Prompt == "2+2?"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	waitServe(t, errCh)
}

func TestServe_ShutdownReleasesHeldRequests(t *testing.T) {
	base, cancel, errCh := startServe(t, config.Defaults())

	chat := postChat(base, `{"messages":[{"role":"user","content":"still there?"}]}`)
	require.Eventually(t, func() bool {
		return len(pendingIDs(t, base)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	result := <-chat
	require.NoError(t, result.err)
	require.Equal(t, http.StatusServiceUnavailable, result.status)
	require.Contains(t, string(result.body), "relay_shutdown")

	waitServe(t, errCh)
}
