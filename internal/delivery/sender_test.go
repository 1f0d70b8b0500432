package delivery

import (
	"context"
	"errors"
	"log/slog"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/rendis/sequencer/pkg/schema"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(ChannelSMS, nil))

	perm := Permanent(ChannelSMS, "opted out")
	assert.Same(t, perm, Classify(ChannelSMS, perm))

	err := Classify(ChannelEmail, errors.New("boom"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeDeliveryTransient))
	var seqErr *schema.SequencerError
	require.ErrorAs(t, err, &seqErr)
	assert.True(t, seqErr.IsRetryable())
	assert.Equal(t, "email", seqErr.Details["channel"])
}

func TestCombine(t *testing.T) {
	sms := &stubSender{}
	email := &stubSender{emailErr: errors.New("down")}
	s := Combine(sms, email)

	require.NoError(t, s.SendSMS(context.Background(), "555", "x"))
	require.Error(t, s.SendEmail(context.Background(), "a@b.co", "s", "b"))
	assert.Equal(t, 1, sms.calls)
	assert.Equal(t, 1, email.calls)
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{"555.123.4567", "5551234567", false},
		{"", "", true},
		{"12345", "", true},
		{"call me", "", true},
		{"555+1234567", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(slog.New(slog.DiscardHandler))
	ctx := context.Background()
	assert.NoError(t, s.SendSMS(ctx, "+15551234567", "hi"))
	assert.True(t, IsPermanent(s.SendSMS(ctx, "", "hi")))
	assert.NoError(t, s.SendEmail(ctx, "sam@example.com", "s", "b"))
	assert.True(t, IsPermanent(s.SendEmail(ctx, "", "s", "b")))
}

type fakeDialer struct {
	err  error
	wait chan struct{}
	sent []*gomail.Message
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	if d.wait != nil {
		<-d.wait
	}
	d.sent = append(d.sent, m...)
	return d.err
}

func TestNewSMTPSender_Validation(t *testing.T) {
	_, err := NewSMTPSender(SMTPConfig{From: "a@b.co"})
	assert.Error(t, err)
	_, err = NewSMTPSender(SMTPConfig{Host: "smtp.local", From: "not-an-address"})
	assert.Error(t, err)
	s, err := NewSMTPSender(SMTPConfig{Host: "smtp.local", Port: 587, From: "dojo@example.com", FromName: "Dojo"})
	require.NoError(t, err)
	assert.Equal(t, "Dojo <dojo@example.com>", s.from)
}

func TestSMTPSender_SendEmail(t *testing.T) {
	d := &fakeDialer{}
	s := &SMTPSender{dialer: d, from: "dojo@example.com"}

	require.NoError(t, s.SendEmail(context.Background(), "sam@example.com", "Welcome", "Hi Sam"))
	require.Len(t, d.sent, 1)
	assert.Equal(t, []string{"sam@example.com"}, d.sent[0].GetHeader("To"))
	assert.Equal(t, []string{"Welcome"}, d.sent[0].GetHeader("Subject"))
}

func TestSMTPSender_InvalidAddressIsPermanent(t *testing.T) {
	d := &fakeDialer{}
	s := &SMTPSender{dialer: d, from: "dojo@example.com"}

	assert.True(t, IsPermanent(s.SendEmail(context.Background(), "", "s", "b")))
	assert.True(t, IsPermanent(s.SendEmail(context.Background(), "sam@", "s", "b")))
	assert.Empty(t, d.sent)
}

func TestSMTPSender_ReplyClassification(t *testing.T) {
	ctx := context.Background()

	s := &SMTPSender{dialer: &fakeDialer{err: &textproto.Error{Code: 550, Msg: "no such user"}}, from: "x@y.co"}
	assert.True(t, IsPermanent(s.SendEmail(ctx, "sam@example.com", "s", "b")))

	s = &SMTPSender{dialer: &fakeDialer{err: &textproto.Error{Code: 421, Msg: "try later"}}, from: "x@y.co"}
	assert.True(t, schema.HasCode(s.SendEmail(ctx, "sam@example.com", "s", "b"), schema.ErrCodeDeliveryTransient))
}

func TestSMTPSender_ContextTimeout(t *testing.T) {
	d := &fakeDialer{wait: make(chan struct{})}
	defer close(d.wait)
	s := &SMTPSender{dialer: d, from: "x@y.co"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.SendEmail(ctx, "sam@example.com", "s", "b")
	assert.True(t, schema.HasCode(err, schema.ErrCodeDeliveryTransient))
}
