package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/slack-go/slack"
)

type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	replies []Reply
	sendErr error
}

func (f *fakeTransport) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) Replies(context.Context, time.Time) ([]Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Reply(nil), f.replies...), nil
}

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

var remoteBase = time.Date(2026, 3, 4, 5, 6, 0, 0, time.UTC)

func newTestRemote(t *testing.T, tr Transport, step time.Duration) (*RemoteChannel, string) {
	t.Helper()
	enr, err := Enroll("partner", "tester")
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	return &RemoteChannel{
		Transport:    tr,
		Verifier:     Verifier{Secret: enr.Secret},
		PollInterval: time.Millisecond,
		Timeout:      time.Minute,
		Now:          (&fakeClock{t: remoteBase, step: step}).Now,
	}, enr.Secret
}

func code(t *testing.T, secret string) string {
	t.Helper()
	c, err := totp.GenerateCode(secret, remoteBase)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRemote_ApproveWithValidCode(t *testing.T) {
	tr := &fakeTransport{}
	ch, secret := newTestRemote(t, tr, time.Second)
	tr.replies = []Reply{
		{ID: "1", Text: "approve", At: remoteBase},
		{ID: "2", Text: "approve 000000", At: remoteBase},
		{ID: "3", Text: "Approve " + code(t, secret) + ".", At: remoteBase.Add(time.Second)},
	}

	d, err := NewGate().Request(context.Background(), "runTerminalCommand", []byte(`{"command":"make"}`), ch)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if d != Approved {
		t.Fatalf("decision = %s", d)
	}
	sent := tr.messages()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want prompt and confirmation: %q", len(sent), sent)
	}
	if !strings.Contains(sent[0], "Tool: runTerminalCommand") || !strings.Contains(sent[0], "#") {
		t.Errorf("prompt = %q", sent[0])
	}
}

func TestRemote_DenyKeyword(t *testing.T) {
	tr := &fakeTransport{}
	ch, secret := newTestRemote(t, tr, time.Second)
	tr.replies = []Reply{{ID: "1", Text: "deny " + code(t, secret), At: remoteBase}}
	d, err := NewGate().Request(context.Background(), "deleteFile", nil, ch)
	if err != nil || d != Denied {
		t.Fatalf("got %s, %v", d, err)
	}
}

func TestRemote_WrongRequestCodeIgnored(t *testing.T) {
	tr := &fakeTransport{}
	ch, secret := newTestRemote(t, tr, 10*time.Second)
	ch.Timeout = 30 * time.Second
	tr.replies = []Reply{{ID: "1", Text: "#zzzzzz approve " + code(t, secret), At: remoteBase}}

	p := newPending("editFile", nil)
	if err := ch.RequestDecision(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if d, _ := p.Decision(); d != Denied || p.DecidedBy() != "timeout" {
		t.Errorf("decision = %s by %s, want timeout denial", d, p.DecidedBy())
	}
}

func TestRemote_MatchingRequestCode(t *testing.T) {
	tr := &fakeTransport{}
	ch, secret := newTestRemote(t, tr, time.Second)
	p := newPending("editFile", nil)
	tr.replies = []Reply{{ID: "1", Text: "#" + strings.ToUpper(p.ShortCode()) + " yes " + code(t, secret), At: remoteBase}}
	if err := ch.RequestDecision(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if d, _ := p.Decision(); d != Approved {
		t.Errorf("decision = %s", d)
	}
}

func TestRemote_ResendThenTimeout(t *testing.T) {
	tr := &fakeTransport{}
	ch, _ := newTestRemote(t, tr, 10*time.Second)
	ch.ResendSchedule = "@every 10s"
	ch.MaxResends = 3
	ch.Timeout = 100 * time.Second

	p := newPending("webFetch", nil)
	if err := ch.RequestDecision(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if d, _ := p.Decision(); d != Denied {
		t.Fatalf("decision = %s", d)
	}
	prompts := 0
	sent := tr.messages()
	for _, m := range sent {
		if strings.HasPrefix(m, "Approval needed") {
			prompts++
		}
	}
	if prompts != 1+3 {
		t.Errorf("sent %d prompts, want initial plus 3 resends", prompts)
	}
	if last := sent[len(sent)-1]; !strings.Contains(last, "timed out") {
		t.Errorf("last message = %q", last)
	}
}

func TestRemote_NoResendWhenDisabled(t *testing.T) {
	tr := &fakeTransport{}
	ch, _ := newTestRemote(t, tr, 10*time.Second)
	ch.ResendSchedule = "@every 10s"
	ch.MaxResends = -1
	ch.Timeout = 50 * time.Second
	if err := ch.RequestDecision(context.Background(), newPending("x", nil)); err != nil {
		t.Fatal(err)
	}
	if n := len(tr.messages()); n != 2 {
		t.Errorf("sent %d messages, want prompt and timeout notice", n)
	}
}

func TestRemote_SendFailureDenies(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("offline")}
	ch, _ := newTestRemote(t, tr, time.Second)
	d, err := NewGate().Request(context.Background(), "x", nil, ch)
	if err == nil || d != Denied {
		t.Errorf("got %s, %v", d, err)
	}
}

func TestRemote_BadSchedule(t *testing.T) {
	ch, _ := newTestRemote(t, &fakeTransport{}, time.Second)
	ch.ResendSchedule = "every now and then"
	if err := ch.RequestDecision(context.Background(), newPending("x", nil)); err == nil {
		t.Error("expected schedule parse error")
	}
}

func TestVerifier(t *testing.T) {
	enr, err := Enroll("partner", "tester")
	if err != nil {
		t.Fatal(err)
	}
	v := Verifier{Secret: enr.Secret}
	now := remoteBase
	c, _ := totp.GenerateCode(enr.Secret, now)
	if !v.Validate(c, now) {
		t.Error("current code rejected")
	}
	if !v.Validate(c, now.Add(30*time.Second)) {
		t.Error("code from previous period rejected with skew 1")
	}
	if v.Validate(c, now.Add(10*time.Minute)) {
		t.Error("stale code accepted")
	}
	if (Verifier{}).Validate(c, now) {
		t.Error("empty secret accepted a code")
	}
	qr, err := enr.QR()
	if err != nil || qr == "" {
		t.Errorf("QR: %v", err)
	}
	if !strings.HasPrefix(enr.URL, "otpauth://totp/") {
		t.Errorf("URL = %q", enr.URL)
	}
}

type mockSlack struct {
	posted []string
	resp   *slack.GetConversationHistoryResponse
	params *slack.GetConversationHistoryParameters
}

func (m *mockSlack) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	m.posted = append(m.posted, channelID)
	return channelID, "1700000000.000100", nil
}

func (m *mockSlack) GetConversationHistoryContext(_ context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	m.params = params
	return m.resp, nil
}

func TestSlackTransport(t *testing.T) {
	resp := &slack.GetConversationHistoryResponse{}
	human := slack.Message{}
	human.Text = "approve 123456"
	human.Timestamp = "1700000001.000200"
	bot := slack.Message{}
	bot.Text = "Approval needed"
	bot.Timestamp = "1700000000.000100"
	bot.BotID = "B1"
	resp.Messages = []slack.Message{human, bot}

	api := &mockSlack{resp: resp}
	tr := &SlackTransport{Client: api, ChannelID: "C1"}
	if err := tr.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if len(api.posted) != 1 || api.posted[0] != "C1" {
		t.Errorf("posted = %v", api.posted)
	}

	replies, err := tr.Replies(context.Background(), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if api.params.Oldest != "1700000000.000000" {
		t.Errorf("Oldest = %q", api.params.Oldest)
	}
	if len(replies) != 1 || replies[0].Text != "approve 123456" {
		t.Fatalf("replies = %+v", replies)
	}
	if replies[0].At.Unix() != 1700000001 {
		t.Errorf("At = %v", replies[0].At)
	}
}
