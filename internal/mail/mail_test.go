package mail

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SelectsTransport(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	m, err := New(context.Background(), Config{}, logger)
	require.NoError(t, err)
	assert.IsType(t, &LogMailer{}, m)

	m, err = New(context.Background(), Config{Transport: TransportSMTP, SMTPHost: "mail.example", SMTPPort: 587}, logger)
	require.NoError(t, err)
	assert.IsType(t, &SMTPMailer{}, m)
	assert.Equal(t, "mail.example:587", m.(*SMTPMailer).addr)

	_, err = New(context.Background(), Config{Transport: "pigeon"}, logger)
	assert.Error(t, err)
}

func TestLogMailer_NeverLogsBody(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMailer(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	require.NoError(t, m.SendMail(context.Background(), "alice@example.com", "Approve login", "https://x/approve?token=secret-token"))
	assert.Contains(t, buf.String(), "alice@example.com")
	assert.NotContains(t, buf.String(), "secret-token")
}

// --- SMTP ---

func TestSMTPMailer_Send(t *testing.T) {
	m := NewSMTPMailer(Config{From: "immer@example.com", SMTPHost: "mail.example", SMTPPort: 25, SMTPUser: "u", SMTPPassword: "p"})
	require.NotNil(t, m.auth)

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	require.NoError(t, m.SendMail(context.Background(), "alice@example.com", "Hello", "line1\nline2"))
	assert.Equal(t, "mail.example:25", gotAddr)
	assert.Equal(t, "immer@example.com", gotFrom)
	assert.Equal(t, []string{"alice@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Hello\r\n")
	assert.True(t, strings.HasSuffix(string(gotMsg), "line1\r\nline2"))
}

func TestSMTPMailer_RejectsHeaderInjection(t *testing.T) {
	m := NewSMTPMailer(Config{SMTPHost: "mail.example", SMTPPort: 25})
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send must not be called")
		return nil
	}

	err := m.SendMail(context.Background(), "alice@example.com\r\nBcc: eve@example.com", "Hi", "body")
	assert.Error(t, err)
}

func TestSMTPMailer_PropagatesError(t *testing.T) {
	m := NewSMTPMailer(Config{SMTPHost: "mail.example", SMTPPort: 25})
	m.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("421 try later") }

	err := m.SendMail(context.Background(), "alice@example.com", "Hi", "body")
	assert.ErrorContains(t, err, "421")
}

func TestBuildMessage_Headers(t *testing.T) {
	msg := string(buildMessage("a@x", "b@y", "S", "B", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Contains(t, msg, "From: a@x\r\n")
	assert.Contains(t, msg, "To: b@y\r\n")
	assert.Contains(t, msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\nB")
}

// --- SES ---

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	return &ses.SendEmailOutput{}, f.err
}

func TestSESMailer_Send(t *testing.T) {
	fake := &fakeSES{}
	m := &SESMailer{client: fake, from: "immer@example.com"}

	require.NoError(t, m.SendMail(context.Background(), "alice@example.com", "Subj", "Body"))
	require.NotNil(t, fake.input)
	assert.Equal(t, "immer@example.com", *fake.input.Source)
	assert.Equal(t, []string{"alice@example.com"}, fake.input.Destination.ToAddresses)
	assert.Equal(t, "Subj", *fake.input.Message.Subject.Data)
	assert.Equal(t, "Body", *fake.input.Message.Body.Text.Data)
}

func TestSESMailer_Error(t *testing.T) {
	m := &SESMailer{client: &fakeSES{err: errors.New("throttled")}, from: "immer@example.com"}
	assert.ErrorContains(t, m.SendMail(context.Background(), "a@b", "s", "b"), "throttled")
}
