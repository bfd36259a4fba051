package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Content is the payload of a send command.
type Content struct {
	Body           string       `json:"body,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	VoiceNote      *VoiceNote   `json:"voice_note,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

type Limits struct {
	MaxBodyRunes   int
	MaxAttachments int
}

func (c Content) Empty() bool {
	return strings.TrimSpace(c.Body) == "" && len(c.Attachments) == 0 && c.VoiceNote == nil
}

// Validate checks the content against the message schema. Every failure wraps
// ErrInvalidContent.
func (c Content) Validate(l Limits) error {
	if c.Empty() {
		return fmt.Errorf("%w: body, attachments or voice note required", ErrInvalidContent)
	}
	if err := ValidateBody(c.Body, l); err != nil {
		return err
	}
	if l.MaxAttachments > 0 && len(c.Attachments) > l.MaxAttachments {
		return fmt.Errorf("%w: at most %d attachments", ErrInvalidContent, l.MaxAttachments)
	}
	for i, a := range c.Attachments {
		if strings.TrimSpace(a.Name) == "" || a.MimeType == "" || a.PayloadRef == "" {
			return fmt.Errorf("%w: attachment %d requires name, mime type and payload ref", ErrInvalidContent, i)
		}
		if a.ByteSize < 0 {
			return fmt.Errorf("%w: attachment %d has negative size", ErrInvalidContent, i)
		}
	}
	if v := c.VoiceNote; v != nil {
		if v.PayloadRef == "" || v.MimeType == "" {
			return fmt.Errorf("%w: voice note requires mime type and payload ref", ErrInvalidContent)
		}
		if v.ByteSize < 0 || v.DurationSeconds < 0 {
			return fmt.Errorf("%w: voice note has negative size or duration", ErrInvalidContent)
		}
	}
	return nil
}

func ValidateBody(body string, l Limits) error {
	if !utf8.ValidString(body) {
		return fmt.Errorf("%w: body is not valid utf-8", ErrInvalidContent)
	}
	if l.MaxBodyRunes > 0 && utf8.RuneCountInString(body) > l.MaxBodyRunes {
		return fmt.Errorf("%w: body exceeds %d characters", ErrInvalidContent, l.MaxBodyRunes)
	}
	return nil
}

// ValidateEmoji accepts a short non-blank reaction token.
func ValidateEmoji(emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return fmt.Errorf("%w: emoji required", ErrInvalidContent)
	}
	if utf8.RuneCountInString(emoji) > 16 {
		return fmt.Errorf("%w: emoji too long", ErrInvalidContent)
	}
	return nil
}

// PayloadRefs lists every blob reference the content points at.
func (c Content) PayloadRefs() []string {
	refs := make([]string, 0, len(c.Attachments)+1)
	for _, a := range c.Attachments {
		refs = append(refs, a.PayloadRef)
	}
	if c.VoiceNote != nil {
		refs = append(refs, c.VoiceNote.PayloadRef)
	}
	return refs
}
