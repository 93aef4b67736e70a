package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/emersion/go-sasl"
	smtpmock "github.com/mocktools/go-smtp-mock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() *domain.ExtensionRequest {
	return &domain.ExtensionRequest{
		RequestID: "req-7f3a",
		SessionID: "a1b2c3d4",
		Email:     "visitor@example.com",
		Status:    domain.StatusPending,
		CreatedAt: time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestSMTPDeliversToAdmin(t *testing.T) {
	srv := smtpmock.New(smtpmock.ConfigurationAttr{
		LogToStdout:       false,
		LogServerActivity: true,
		HostAddress:       "127.0.0.1",
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	n, err := NewSMTP(SMTPConfig{
		Host:       "127.0.0.1",
		Port:       srv.PortNumber(),
		From:       "gate@example.com",
		AdminEmail: "admin@example.com",
		AppURL:     "https://gate.example.com/",
	}, nil)
	require.NoError(t, err)

	require.NoError(t, n.ExtensionRequested(context.Background(), testRequest()))

	var msgs []smtpmock.Message
	require.Eventually(t, func() bool {
		msgs = srv.Messages()
		return len(msgs) == 1 && msgs[0].MsgRequest() != ""
	}, 5*time.Second, 20*time.Millisecond)

	body := msgs[0].MsgRequest()
	assert.Contains(t, body, "req-7f3a")
	assert.Contains(t, body, "visitor@example.com")
	assert.Contains(t, body, "https://gate.example.com/approve-extension?request_id=req-7f3a")
	require.NotEmpty(t, msgs[0].RcpttoRequestResponse())
	assert.Contains(t, msgs[0].RcpttoRequestResponse()[0][0], "admin@example.com")
}

func TestSMTPUsesPlainAuthWithUsername(t *testing.T) {
	t.Parallel()

	n, err := NewSMTP(SMTPConfig{
		Host:       "smtp.example.com",
		Username:   "mailer@example.com",
		Password:   "pw",
		AdminEmail: "admin@example.com",
	}, nil)
	require.NoError(t, err)

	var gotAddr, gotFrom string
	var gotAuth sasl.Client
	n.send = func(addr string, a sasl.Client, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom = addr, a, from
		return nil
	}

	require.NoError(t, n.ExtensionRequested(context.Background(), testRequest()))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "mailer@example.com", gotFrom)
	require.NotNil(t, gotAuth)
	mech, _, err := gotAuth.Start()
	require.NoError(t, err)
	assert.Equal(t, sasl.Plain, mech)
}

func TestSMTPWrapsSendFailure(t *testing.T) {
	t.Parallel()

	n, err := NewSMTP(SMTPConfig{Host: "h", From: "a@b.co", AdminEmail: "c@d.co"}, nil)
	require.NoError(t, err)
	boom := errors.New("connection refused")
	n.send = func(string, sasl.Client, string, []string, []byte) error { return boom }

	err = n.ExtensionRequested(context.Background(), testRequest())
	assert.ErrorIs(t, err, boom)
}

func TestNewSMTPValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSMTP(SMTPConfig{}, nil)
	assert.ErrorIs(t, err, ErrNoHost)
	_, err = NewSMTP(SMTPConfig{Host: "h", AdminEmail: "c@d.co"}, nil)
	assert.ErrorIs(t, err, ErrNoSender)
	_, err = NewSMTP(SMTPConfig{Host: "h", From: "a@b.co"}, nil)
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestDiscardNeverFails(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Discard{}.ExtensionRequested(context.Background(), testRequest()))
}
