package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContent_Validate(t *testing.T) {
	t.Parallel()

	limits := Limits{MaxBodyRunes: 10, MaxAttachments: 1}
	att := Attachment{Name: "a.png", MimeType: "image/png", ByteSize: 3, PayloadRef: "sha256:ab"}

	cases := []struct {
		name    string
		content Content
		wantErr bool
	}{
		{name: "body", content: Content{Body: "hello"}},
		{name: "empty", content: Content{}, wantErr: true},
		{name: "whitespace", content: Content{Body: "  \n"}, wantErr: true},
		{name: "attachment only", content: Content{Attachments: []Attachment{att}}},
		{name: "voice only", content: Content{VoiceNote: &VoiceNote{PayloadRef: "x", MimeType: "audio/webm", DurationSeconds: 2}}},
		{name: "too long", content: Content{Body: "hello world!"}, wantErr: true},
		{name: "too many attachments", content: Content{Attachments: []Attachment{att, att}}, wantErr: true},
		{name: "attachment missing ref", content: Content{Attachments: []Attachment{{Name: "a", MimeType: "text/plain"}}}, wantErr: true},
		{name: "voice missing mime", content: Content{VoiceNote: &VoiceNote{PayloadRef: "x"}}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.content.Validate(limits)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidContent))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestMessage_Readers(t *testing.T) {
	t.Parallel()

	m := &Message{AuthorID: "alice", ReadBy: []string{"alice"}}
	assert.False(t, m.ReadByOthers())

	assert.True(t, m.AddReader("carol"))
	assert.True(t, m.AddReader("bob"))
	assert.False(t, m.AddReader("bob"))
	assert.Equal(t, []string{"alice", "bob", "carol"}, m.ReadBy)
	assert.True(t, m.HasReader("bob"))
	assert.True(t, m.ReadByOthers())
}

func TestMessage_ToggleReactionTwiceRestores(t *testing.T) {
	t.Parallel()

	m := &Message{Reactions: []Reaction{{Emoji: "👍", PrincipalID: "bob"}}}
	before := m.Clone().Reactions

	m.ToggleReaction("🎉", "alice")
	assert.True(t, m.HasReaction("🎉", "alice"))
	m.ToggleReaction("🎉", "alice")
	assert.Equal(t, before, m.Reactions)

	assert.True(t, m.SetReaction("👍", "alice", true))
	assert.False(t, m.SetReaction("👍", "alice", true))
	assert.Equal(t, map[string]int{"👍": 2}, m.ReactionCounts())
}

func TestSortMessages_TieBreaksOnSeq(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := []*Message{
		{Seq: 3, CreatedAt: ts},
		{Seq: 1, CreatedAt: ts},
		{Seq: 2, CreatedAt: ts.Add(-time.Second)},
	}
	SortMessages(msgs)
	assert.Equal(t, []uint64{2, 1, 3}, []uint64{msgs[0].Seq, msgs[1].Seq, msgs[2].Seq})
}

func TestCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "not_author", Code(fmt.Errorf("edit: %w", ErrNotAuthor)))
	assert.Equal(t, "internal", Code(errors.New("boom")))
	assert.True(t, Retryable(fmt.Errorf("db: %w", ErrUnavailable)))
	assert.False(t, Retryable(ErrNotFound))
}
