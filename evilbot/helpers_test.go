package evilbot

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		"sqlite",
		dbPath,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

// testLogger returns a debug logger that identifies the running test
func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     slog.LevelDebug,
				AddSource: true,
			},
		),
	).With("test_name", t.Name())
}

type sentMessage struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
	Embed     *discordgo.MessageEmbed
}

// mockDiscordSession records outgoing messages, and serves canned
// channel history and permissions
type mockDiscordSession struct {
	mu     sync.Mutex
	logger *slog.Logger

	sent          []sentMessage
	typingCount   int
	customStatus  string
	identify      discordgo.Identify
	handlers      int
	handlerFuncs  []any
	opened        bool
	historyCalls  int
	historyLimit  int
	historyBefore string

	history     map[string][]*discordgo.Message
	historyErr  error
	permissions map[string]int64
	sendErr     error

	// sendErrAfter fails sends after this many succeed, when > 0
	sendErrAfter int

	// state, when set, resolves mentions through a real session's state
	state *discordgo.Session
}

func newMockDiscordSession(t testing.TB) *mockDiscordSession {
	t.Helper()
	return &mockDiscordSession{
		logger:      testLogger(t).With(loggerNameKey, "discord_session_handler"),
		history:     map[string][]*discordgo.Message{},
		permissions: map[string]int64{},
	}
}

func (d *mockDiscordSession) record(msg sentMessage) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	if d.sendErrAfter > 0 && len(d.sent) >= d.sendErrAfter {
		return nil, errors.New("send failed")
	}
	d.sent = append(d.sent, msg)
	d.logger.Info("sent message", "channel_id", msg.ChannelID, "content", truncate(msg.Content, 50))
	return &discordgo.Message{ChannelID: msg.ChannelID, Content: msg.Content}, nil
}

func (d *mockDiscordSession) Sent() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sentMessage, len(d.sent))
	copy(out, d.sent)
	return out
}

// Embeds returns the embeds sent so far
func (d *mockDiscordSession) Embeds() []*discordgo.MessageEmbed {
	var embeds []*discordgo.MessageEmbed
	for _, m := range d.Sent() {
		if m.Embed != nil {
			embeds = append(embeds, m.Embed)
		}
	}
	return embeds
}

func (d *mockDiscordSession) Typing() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typingCount
}

func (d *mockDiscordSession) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	return nil
}

func (d *mockDiscordSession) AddHandler(handler any) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers++
	d.handlerFuncs = append(d.handlerFuncs, handler)
	return func() {}
}

// messageCreateHandler returns the most recently added MessageCreate handler
func (d *mockDiscordSession) messageCreateHandler() func(*discordgo.Session, *discordgo.MessageCreate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.handlerFuncs) - 1; i >= 0; i-- {
		if h, ok := d.handlerFuncs[i].(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			return h
		}
	}
	return nil
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.record(sentMessage{ChannelID: channelID, Content: content})
}

func (d *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.record(sentMessage{ChannelID: channelID, Content: content, Reference: reference})
}

func (d *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.record(sentMessage{ChannelID: channelID, Embed: embed})
}

func (d *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.historyCalls++
	d.historyLimit = limit
	d.historyBefore = beforeID
	if d.historyErr != nil {
		return nil, d.historyErr
	}
	msgs := d.history[channelID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (d *mockDiscordSession) ChannelTyping(string, ...discordgo.RequestOption) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typingCount++
	return nil
}

func (d *mockDiscordSession) UserChannelPermissions(
	userID string,
	_ string,
	_ ...discordgo.RequestOption,
) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	perms, ok := d.permissions[userID]
	if !ok {
		return 0, errors.New("unknown member")
	}
	return perms, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customStatus = status
	return nil
}

func (d *mockDiscordSession) MessageContent(m *discordgo.Message) string {
	if d.state != nil {
		return DiscordSession{session: d.state, logger: d.logger}.MessageContent(m)
	}
	return m.ContentWithMentionsReplaced()
}

func (d *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identify = i
}

func (d *mockDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

// waitForSent waits until at least n messages have been sent
func waitForSent(t testing.TB, session *mockDiscordSession, n int) []sentMessage {
	t.Helper()
	assert.Eventually(
		t,
		func() bool {
			return len(session.Sent()) >= n
		},
		5*time.Second,
		10*time.Millisecond,
	)
	return session.Sent()
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
	assert.Equal(t, "😈😈...", truncate("😈😈😈", 2))
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "secret-token"

	rendered := structToSlogValue(cfg).String()
	assert.NotContains(t, rendered, "secret-token")
	assert.Contains(t, rendered, redactedValue)
}
