package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/tiny-chat/internal/chat"
	"github.com/omochice/tiny-chat/internal/client"
	"github.com/omochice/tiny-chat/internal/config"
	"github.com/omochice/tiny-chat/internal/status"
	"github.com/omochice/tiny-chat/internal/store"
	"github.com/omochice/tiny-chat/pkg/protocol"
)

type mockConnection struct {
	sent     []protocol.Message
	sendErr  error
	listener client.Listener
}

func (c *mockConnection) Send(_ context.Context, msg protocol.Message) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *mockConnection) OnMessage(listener client.Listener) {
	c.listener = listener
}

func newTestShell(t *testing.T) (*shell, *mockConnection, *bytes.Buffer) {
	t.Helper()
	conn := &mockConnection{}
	session := chat.NewSession(conn, store.New(), status.NewPublisher(), zerolog.Nop())
	var out bytes.Buffer
	return newShell(session, &out), conn, &out
}

func TestShell_SubmitAndQuit(t *testing.T) {
	sh, conn, _ := newTestShell(t)
	ctx := context.Background()

	assert.False(t, sh.execute(ctx, "hello there"))
	assert.False(t, sh.execute(ctx, "   "))
	require.Len(t, conn.sent, 1)
	assert.Equal(t, "hello there", protocol.Content(conn.sent[0]))

	assert.True(t, sh.execute(ctx, "/quit"))
	assert.True(t, sh.execute(ctx, "/EXIT"))
}

func TestShell_NotConnected(t *testing.T) {
	sh, conn, out := newTestShell(t)
	conn.sendErr = client.ErrNotConnected

	sh.execute(context.Background(), "hello")

	assert.Contains(t, out.String(), "Not connected")
	assert.Equal(t, 0, sh.session.Store().Len())
}

func TestShell_Commands(t *testing.T) {
	sh, conn, out := newTestShell(t)
	ctx := context.Background()

	sh.execute(ctx, "hello")
	sh.execute(ctx, "/stop")
	require.Len(t, conn.sent, 2)
	assert.Equal(t, protocol.KindEvent, conn.sent[1].Kind())

	before := sh.session.ID()
	sh.execute(ctx, "/new")
	assert.NotEqual(t, before, sh.session.ID())
	assert.Contains(t, out.String(), "Started conversation "+sh.session.ID())

	out.Reset()
	sh.execute(ctx, "/status")
	assert.Contains(t, out.String(), "status: disconnected")

	out.Reset()
	sh.execute(ctx, "/history")
	assert.Equal(t, "(empty)\n", out.String())

	out.Reset()
	sh.execute(ctx, "/bogus")
	assert.Contains(t, out.String(), "Unknown command /bogus")
}

func TestShell_RenderStream(t *testing.T) {
	sh, _, out := newTestShell(t)

	fragment := func(content string) *protocol.Text {
		return &protocol.Text{
			Header:  protocol.Header{ID: "a1", From: protocol.RoleAgent, Streaming: true},
			Content: content,
		}
	}

	sh.render(&protocol.Loading{Header: protocol.Header{ID: "l", From: protocol.RoleAgent}})
	sh.render(fragment("Hel"))
	sh.render(fragment("lo"))
	sh.render(&protocol.Tool{
		Header:   protocol.Header{ID: "t1", From: protocol.RoleAgent},
		ParentID: "a1",
		Name:     "search",
		Content:  "done",
	})
	sh.render(&protocol.Ping{})

	assert.Equal(t, "agent> Hello\n  (tool search) done\n", out.String())
}

func TestPrintHistory(t *testing.T) {
	st := store.New()
	st.Append(&protocol.Text{Header: protocol.Header{ID: "u1", From: protocol.RoleUser}, Content: "hi"})
	st.Append(&protocol.Text{Header: protocol.Header{ID: "a1", From: protocol.RoleAgent}, Content: "hello"})
	st.Append(&protocol.Sources{
		Header:   protocol.Header{ID: "s1", From: protocol.RoleAgent},
		ParentID: "a1",
		Sources:  []protocol.Source{{Title: "Docs", URL: "https://example.com"}},
	})

	var out bytes.Buffer
	printHistory(&out, st.Groups())

	assert.Equal(t,
		"user> hi\nagent> hello\n  (sources) \n    [1] Docs https://example.com\n",
		out.String())
}

func TestApplyFlags(t *testing.T) {
	var opts options
	fs := pflag.NewFlagSet("tinychat", pflag.ContinueOnError)
	bindFlags(fs, &opts)

	require.NoError(t, fs.Parse([]string{"--server", "http://chat:8000", "--transport", "gorilla", "--log-pretty=false"}))

	cfg := config.Default()
	applyFlags(fs, &opts, cfg)

	assert.Equal(t, "http://chat:8000", cfg.ServerURL)
	assert.Equal(t, "gorilla", cfg.Transport)
	assert.False(t, cfg.Log.Pretty)
	assert.Equal(t, "json", cfg.Codec, "unset flags keep the config value")
	assert.Equal(t, "http://localhost:8000", cfg.Origin)
}

func TestLoadConfig_FlagOverridesInvalidEnv(t *testing.T) {
	t.Setenv("TINYCHAT_TRANSPORT", "bogus")

	var opts options
	fs := pflag.NewFlagSet("tinychat", pflag.ContinueOnError)
	bindFlags(fs, &opts)
	require.NoError(t, fs.Parse([]string{"--transport", "gorilla"}))

	cfg, err := loadConfig(fs, &opts)
	require.NoError(t, err)
	assert.Equal(t, "gorilla", cfg.Transport)
}

func TestLoadConfig_InvalidWithoutOverride(t *testing.T) {
	t.Setenv("TINYCHAT_TRANSPORT", "bogus")

	var opts options
	fs := pflag.NewFlagSet("tinychat", pflag.ContinueOnError)
	bindFlags(fs, &opts)
	require.NoError(t, fs.Parse(nil))

	_, err := loadConfig(fs, &opts)
	assert.ErrorContains(t, err, `unknown transport "bogus"`)
}
