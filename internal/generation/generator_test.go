package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/open-dialogue/internal/domain"
	"github.com/ashureev/open-dialogue/internal/prompt"
)

func TestCleanReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "I hear you.", "I hear you."},
		{"echoed header", "At 2024-01-02 10:30 Gosha said: I hear you.", "I hear you."},
		{"echoed header lowercase", "at 2024-01-02 9:05 Gosha said:I hear you.", "I hear you."},
		{"name label", "Gosha: I hear you.", "I hear you."},
		{"repeated labels", "gosha: Gosha:I hear you.", "I hear you."},
		{"header then label", "At 2024-01-02 10:30 Gosha said: Gosha: I hear you.", "I hear you."},
		{"other name kept", "Joshi: said that", "Joshi: said that"},
		{"only label", "Gosha:", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanReply(tt.in, "Gosha"))
		})
	}
}

func TestCleanReplyNameChangingByteLengthWhenLowered(t *testing.T) {
	t.Parallel()

	// "İ" is two bytes, its lower case form three.
	assert.Equal(t, "Merhaba.", CleanReply("İlker: Merhaba.", "İlker"))
	assert.Equal(t, "ok", CleanReply("İİ: ok", "İİ"))
	assert.Equal(t, "ok", CleanReply("İİ: İİ:ok", "İİ"))
	assert.NotPanics(t, func() {
		assert.Equal(t, "", CleanReply("İİİ:", "İİİ"))
	})
	assert.Equal(t, "İl", CleanReply("İl", "İlker"))
	assert.Equal(t, "Kerem: selam", CleanReply("Kerem: selam", "İ"))
}

func TestUnavailableFailsEveryTurn(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp 127.0.0.1:50051: connection refused")
	_, err := Unavailable{Cause: cause}.Generate(context.Background(), prompt.Context{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)

	_, err = Unavailable{}.Generate(context.Background(), prompt.Context{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestScriptedGenerator(t *testing.T) {
	t.Parallel()
	r := domain.DefaultRoster()
	b := prompt.NewBuilder(nil)

	gen := NewScripted(nil, 0)
	reply, err := gen.Generate(context.Background(), b.Build(prompt.Request{Agent: r.A, Other: r.B}))
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "Hello, I am Gosha.")
	assert.Equal(t, 1, gen.Calls())

	spoke := []domain.Entry{{Speaker: domain.AgentA, Label: "Gosha", Text: "hi"}}
	reply, err = gen.Generate(context.Background(), b.Build(prompt.Request{Agent: r.A, Other: r.B, Transcript: spoke}))
	require.NoError(t, err)
	assert.NotContains(t, reply.Text, "Hello, I am")
}

func TestScriptedGeneratorEmptyAndCancel(t *testing.T) {
	t.Parallel()

	empty := NewScripted(func(context.Context, prompt.Context) (string, error) { return "", nil }, 0)
	_, err := empty.Generate(context.Background(), prompt.Context{})
	assert.True(t, errors.Is(err, ErrEmptyReply))

	slow := NewScripted(nil, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = slow.Generate(ctx, prompt.Context{})
	assert.True(t, errors.Is(err, context.Canceled))
}
