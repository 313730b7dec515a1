package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/blacktop/cawatch/internal/logutil"
	"github.com/blacktop/cawatch/internal/watch"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logutil.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type fakeBot struct {
	meErr   error
	chat    tgbotapi.Chat
	chatErr error
	batches [][]tgbotapi.Update
	offsets []int
	updErr  error
}

func (f *fakeBot) GetMe() (tgbotapi.User, error) { return tgbotapi.User{UserName: "watchbot"}, f.meErr }

func (f *fakeBot) GetChat(cfg tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error) {
	if f.chatErr != nil {
		return tgbotapi.Chat{}, f.chatErr
	}
	if cfg.SuperGroupUsername != "@"+f.chat.UserName && cfg.ChatID != f.chat.ID {
		return tgbotapi.Chat{}, &tgbotapi.Error{Code: http.StatusBadRequest, Message: "Bad Request: chat not found"}
	}
	return f.chat, nil
}

func (f *fakeBot) GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	f.offsets = append(f.offsets, cfg.Offset)
	if f.updErr != nil {
		return nil, f.updErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeBot) GetFileDirectURL(id string) (string, error) {
	return "https://api.telegram.org/file/bot/" + id, nil
}

var channel = tgbotapi.Chat{ID: -100777, UserName: "calls", Title: "Calls", Type: "channel"}

func post(update, id int, text string) tgbotapi.Update {
	return tgbotapi.Update{UpdateID: update, ChannelPost: &tgbotapi.Message{
		MessageID: id, Text: text, Chat: &channel, Date: int(time.Now().Unix()),
	}}
}

func dialer(bots map[string]*fakeBot) Dialer {
	return func(token string) (Bot, error) {
		b, ok := bots[token]
		if !ok {
			return nil, &tgbotapi.Error{Code: http.StatusUnauthorized, Message: "Unauthorized"}
		}
		return b, nil
	}
}

func TestFetchMergesUpdatesAcrossBots(t *testing.T) {
	b1 := &fakeBot{chat: channel, batches: [][]tgbotapi.Update{{post(10, 1, "gm"), post(11, 2, "hello")}}}
	b2 := &fakeBot{chat: channel, batches: [][]tgbotapi.Update{{post(50, 2, "hello"), post(51, 3, "CA soon")}}}
	p := New(dialer(map[string]*fakeBot{"t1": b1, "t2": b2}))
	ctx := context.Background()

	s1, err := p.Login(ctx, watch.WorkerAccount{Username: "bot1", Credentials: watch.Credentials{Token: "t1"}})
	require.NoError(t, err)
	s2, err := p.Resume(ctx, watch.WorkerAccount{Username: "bot2"}, "t2")
	require.NoError(t, err)

	h, err := p.ResolveTarget(ctx, s1, "calls")
	require.NoError(t, err)
	assert.Equal(t, watch.Handle{ID: "-100777", Name: "calls"}, h)

	win, err := p.FetchLatest(ctx, s1, h)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "1"}, ids(win))

	win, err = p.FetchLatest(ctx, s2, h)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "2", "1"}, ids(win), "duplicates across bots collapse")
	assert.Equal(t, "https://t.me/calls/3", win[0].URL)

	_, err = p.FetchLatest(ctx, s1, h)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 12}, b1.offsets, "offsets advance past delivered updates")
}

func TestBufferIsBounded(t *testing.T) {
	var batch []tgbotapi.Update
	for i := 1; i <= bufferSize+10; i++ {
		batch = append(batch, post(i, i, "x"))
	}
	b := &fakeBot{chat: channel, batches: [][]tgbotapi.Update{batch}}
	p := New(dialer(map[string]*fakeBot{"t": b}))
	s, err := p.Login(context.Background(), watch.WorkerAccount{Username: "b", Credentials: watch.Credentials{Token: "t"}})
	require.NoError(t, err)

	win, err := p.FetchLatest(context.Background(), s, watch.Handle{ID: "-100777"})
	require.NoError(t, err)
	require.Len(t, win, bufferSize)
	assert.Equal(t, "60", win[0].ID)
}

func TestPhotoAndForward(t *testing.T) {
	msg := &tgbotapi.Message{
		MessageID:       5,
		Caption:         "look",
		Chat:            &channel,
		Photo:           []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}},
		ForwardFromChat: &tgbotapi.Chat{ID: 1},
	}
	got := New(nil).toPost(&fakeBot{}, msg)
	assert.Equal(t, "look", got.Text)
	assert.Equal(t, []string{"https://api.telegram.org/file/bot/large"}, got.Media)
	assert.True(t, got.IsReshare)
}

func TestErrors(t *testing.T) {
	p := New(dialer(map[string]*fakeBot{"t": {chat: channel}}))
	ctx := context.Background()

	_, err := p.Login(ctx, watch.WorkerAccount{Username: "b", Credentials: watch.Credentials{Token: "bad"}})
	var auth watch.AuthError
	assert.ErrorAs(t, err, &auth)

	s, err := p.Login(ctx, watch.WorkerAccount{Username: "b", Credentials: watch.Credentials{Token: "t"}})
	require.NoError(t, err)
	_, err = p.ResolveTarget(ctx, s, "@nowhere")
	var tre watch.TargetResolutionError
	assert.ErrorAs(t, err, &tre)

	limited := &tgbotapi.Error{Code: http.StatusTooManyRequests, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7}}
	var rl watch.RateLimitError
	require.ErrorAs(t, classifyErr(limited, "b"), &rl)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
	assert.Equal(t, watch.ClassRateLimit, p.Classify(rl))
	assert.Equal(t, watch.ClassFetch, p.Classify(errors.New("timeout")))
}

func ids(w watch.Window) []string {
	out := make([]string, len(w))
	for i, p := range w {
		out[i] = p.ID
	}
	return out
}
