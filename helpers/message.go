package helpers

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
)

// InboundMessage is the parsed form of a raw inbound email: just the fields
// the triage engine cares about.
type InboundMessage struct {
	SenderAddress    string
	SenderName       string
	RecipientAddress string
	Subject          string
	BodyText         string
	BodyHTML         string
	Date             time.Time
}

// ParseInboundMessage parses a raw RFC 5322 message into an InboundMessage.
// Multipart bodies are walked for the first text/plain and text/html inline
// parts; attachments are ignored. If only an HTML part exists, a plain-text
// variant is derived from it.
func ParseInboundMessage(raw []byte) (*InboundMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	var msg InboundMessage

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.SenderAddress = NormalizeAddress(from[0].Address)
		msg.SenderName = SanitizeUTF8(from[0].Name)
	}
	if msg.SenderAddress == "" {
		return nil, fmt.Errorf("message has no parseable From address")
	}

	if to, err := mr.Header.AddressList("To"); err == nil && len(to) > 0 {
		msg.RecipientAddress = NormalizeAddress(to[0].Address)
	}

	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = SanitizeUTF8(subject)
	}

	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		msg.Date = date
	} else {
		msg.Date = time.Now()
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken part should not lose the whole message; keep what we have
			break
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		mediaType, _, err := inline.ContentType()
		if err != nil {
			continue
		}

		switch {
		case strings.EqualFold(mediaType, "text/plain") && msg.BodyText == "":
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			msg.BodyText = SanitizeUTF8(string(body))
		case strings.EqualFold(mediaType, "text/html") && msg.BodyHTML == "":
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			msg.BodyHTML = SanitizeUTF8(string(body))
		}
	}

	// HTML-only message: derive the plain-text variant
	if msg.BodyText == "" && msg.BodyHTML != "" {
		msg.BodyText = SanitizeUTF8(html2text.HTML2Text(msg.BodyHTML))
	}

	return &msg, nil
}
