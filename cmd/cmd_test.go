package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blacktop/cawatch/internal/config"
	"github.com/blacktop/cawatch/internal/engine"
	"github.com/blacktop/cawatch/internal/logutil"
	"github.com/blacktop/cawatch/internal/notify"
	"github.com/blacktop/cawatch/internal/ocr"
	"github.com/blacktop/cawatch/internal/watch"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logutil.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	configPath, verbose = "", false
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "cawatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestResolveInput(t *testing.T) {
	c := &cobra.Command{}
	c.SetIn(strings.NewReader(""))

	got, err := resolveInput(c, []string{"hello", "world"}, "", "text")
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)

	got, err = resolveInput(c, nil, "  flag  ", "text")
	require.NoError(t, err)
	assert.Equal(t, "flag", got)

	_, err = resolveInput(c, []string{"a"}, "b", "text")
	assert.ErrorContains(t, err, "not both")

	_, err = resolveInput(c, nil, "", "text")
	assert.EqualError(t, err, "text is required")

	c.SetIn(strings.NewReader("piped\n"))
	got, err = resolveInput(c, nil, "", "text")
	require.NoError(t, err)
	assert.Equal(t, "piped", got)
}

func TestNormalizeSinks(t *testing.T) {
	got, err := normalizeSinks(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"log"}, got)

	got, err = normalizeSinks([]string{"Telegram", "log", "telegram"})
	require.NoError(t, err)
	assert.Equal(t, []string{"log", "telegram"}, got)

	_, err = normalizeSinks([]string{"pager"})
	assert.Error(t, err)

	_, err = normalizeSinks([]string{" "})
	assert.Error(t, err)
}

func TestBuildSinks(t *testing.T) {
	cfg := &config.Config{}
	var out bytes.Buffer

	sink, err := buildSinks(cfg, []string{"telegram"}, true, &out)
	require.NoError(t, err)
	assert.IsType(t, &notify.Log{}, sink)

	sink, err = buildSinks(cfg, nil, false, &out)
	require.NoError(t, err)
	assert.Equal(t, notify.Logger{}, sink)

	t.Setenv("CAWATCH_MASTODON_SERVER", "")
	t.Setenv("CAWATCH_MASTODON_ACCESS_TOKEN", "")
	_, err = buildSinks(cfg, []string{"log", "mastodon"}, false, &out)
	var missing watch.MissingEnvError
	assert.ErrorAs(t, err, &missing)
}

func TestExtractCommand(t *testing.T) {
	evm := "0x6982508145454Ce325dDbE47a25d4ec3d2311933"
	out, err := run(t, "", "extract", "new", "token", evm, "and", evm)
	require.NoError(t, err)
	assert.Equal(t, evm+"\tevm\n", out)

	out, err = run(t, "CA: "+evm+"\n", "extract")
	require.NoError(t, err)
	assert.Contains(t, out, evm)

	_, err = run(t, "", "extract", "gm")
	assert.EqualError(t, err, "no contract address found")
}

func TestNotifyDryRun(t *testing.T) {
	path := writeConfig(t, "notify: {sinks: [telegram]}\n")
	out, err := run(t, "", "--config", path, "notify", "@ops", "--dry-run", "-m", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "sending to @ops via log...")
	assert.Contains(t, out, `[dry-run] would notify @ops: "hello"`)
	assert.Contains(t, out, "sent to @ops")
}

func TestAccountsImportAndList(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf("storage: {driver: sqlite, data_dir: %q}\n", dir))

	list := "w1:pw1:w1@example.com\nw2:pw2:w2@example.com:::sess\n"
	out, err := run(t, list, "--config", path, "accounts", "import", "alice", "-")
	require.NoError(t, err)
	assert.Equal(t, "alice: added 2, skipped 0 existing, seeded 1 sessions\n", out)

	out, err = run(t, list, "--config", path, "accounts", "import", "alice", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "added 0, skipped 2 existing")

	out, err = run(t, "", "--config", path, "accounts", "list", "alice")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Regexp(t, `^USERNAME\s+HEALTH\s+SESSION$`, lines[0])
	assert.Regexp(t, `^w1\s+unknown\s+-$`, lines[1])
	assert.Regexp(t, `^w2\s+unknown\s+cached$`, lines[2])
}

func TestNewEngine(t *testing.T) {
	cfg, err := config.Parse([]byte(`
storage: {driver: memory}
jobs:
  alice:
    target: dev
    interval: 30
    platform: social-feed
    notify: "-100"
`))
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg, true, io.Discard)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, ocr.Nop{}, a.ocr)

	eng, err := a.newEngine(context.Background(), "alice", engine.Request{})
	require.NoError(t, err)
	st := eng.Status()
	assert.Equal(t, "alice", st.Owner)
	assert.Equal(t, "dev", st.Target)
	assert.Equal(t, "twitter", st.Provider)

	eng, err = a.newEngine(context.Background(), "alice", engine.Request{Target: "calls", Platform: "messaging-channel", Interval: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "telegram", eng.Status().Provider)

	_, err = a.newEngine(context.Background(), "bob", engine.Request{})
	var cfgErr watch.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "target", cfgErr.Field)
}

type captureSink struct {
	dest, text []string
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Deliver(_ context.Context, dest, text string) error {
	c.dest = append(c.dest, dest)
	c.text = append(c.text, text)
	return nil
}

func TestNewEngineReportsConfigErrors(t *testing.T) {
	cfg, err := config.Parse([]byte(`
storage: {driver: memory}
jobs:
  carol:
    interval: 30
    platform: social-feed
    notify: "-100"
    operator: ops
  dave:
    target: dev
    interval: 30
    platform: pager
    notify: "-200"
`))
	require.NoError(t, err)
	a, err := newApp(context.Background(), cfg, true, io.Discard)
	require.NoError(t, err)
	defer a.Close()
	sink := &captureSink{}
	a.sink = sink

	_, err = a.newEngine(context.Background(), "carol", engine.Request{})
	var cfgErr watch.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	_, err = a.newEngine(context.Background(), "dave", engine.Request{})
	require.Error(t, err)
	_, err = a.newEngine(context.Background(), "bob", engine.Request{})
	require.Error(t, err)

	assert.Equal(t, []string{"ops", "-200"}, sink.dest, "unconfigured owners have nowhere to report")
	require.Len(t, sink.text, 2)
	assert.Contains(t, sink.text[0], "Monitoring for carol not started: config target")
	assert.Contains(t, sink.text[1], "dave")
}
