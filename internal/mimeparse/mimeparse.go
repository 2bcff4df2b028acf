// Package mimeparse implements C3: decoding of a raw RFC 5322 message into
// the fields needed for the webhook payload — subject, sender display
// name, plain/HTML bodies, and prefix-matched captured headers.
package mimeparse

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	// Importing charset registers additional (non-UTF-8) character set
	// decoders with go-message, so Content-Type: text/plain; charset=...
	// parts in other encodings decode correctly instead of erroring.
	_ "github.com/emersion/go-message/charset"

	"github.com/jaytaylor/html2text"
)

// Result holds everything C3 extracts from a message, short of the
// sender/recipient addresses (those come from the SMTP envelope, not the
// message body).
type Result struct {
	// SenderName is the From header's display name, if one was present.
	SenderName    string
	HasSenderName bool

	// Subject is the decoded Subject header, or "" if absent.
	Subject string

	// Body is the plain-text rendering of the message, per §4.3 step 5.
	Body string

	// HTMLBody is the raw (decoded) HTML part, if one exists.
	HTMLBody    string
	HasHTMLBody bool

	// Headers holds header values whose name matched a configured prefix,
	// keyed by the header's original-case name. Nil when capture is
	// disabled or nothing matched.
	Headers map[string]string
}

// Parse extracts a Result from raw (the DATA payload, already
// dot-unstuffed by C1). headerPrefixes is the ordered list of
// case-insensitive header-name prefixes to capture; an empty slice
// disables capture.
func Parse(raw []byte, headerPrefixes []string) (*Result, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("mimeparse: reading message: %w", err)
	}

	res := &Result{}

	if subject, err := mr.Header.Subject(); err == nil {
		res.Subject = subject
	}

	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		if name := strings.TrimSpace(addrs[0].Name); name != "" {
			res.SenderName = name
			res.HasSenderName = true
		}
	}

	res.Headers = captureHeaders(mr.Header.Fields(), headerPrefixes)

	var plainCandidate, htmlCandidate string
	var havePlain, haveHTML bool

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed part ends the walk; the candidates found before
			// it are kept and the message is still parsed successfully.
			break
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			// Attachment or other non-inline part; not a body candidate.
			continue
		}

		contentType, _, _ := inline.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch strings.ToLower(contentType) {
		case "text/plain", "":
			if !havePlain {
				plainCandidate = string(body)
				havePlain = true
			}
		case "text/html":
			if !haveHTML {
				htmlCandidate = string(body)
				haveHTML = true
			}
		}
	}

	switch {
	case haveHTML:
		res.HTMLBody = htmlCandidate
		res.HasHTMLBody = true
		res.Body = render(htmlCandidate, plainCandidate, havePlain)
	case havePlain:
		res.Body = plainCandidate
	default:
		res.Body = ""
	}

	return res, nil
}

// render converts html to readable text, preserving link targets in a
// markdown-like reference form. It never panics and never returns an
// empty string representing failure silently: on any rendering trouble it
// falls back to plainFallback (if one was supplied) or, failing that, the
// raw HTML itself — matching the worst-case guarantee in §4.3.
func render(html, plainFallback string, havePlainFallback bool) (text string) {
	defer func() {
		if r := recover(); r != nil {
			if havePlainFallback {
				text = plainFallback
			} else {
				text = html
			}
		}
	}()

	rendered, err := html2text.FromString(html, html2text.Options{PrettyTables: false})
	if err != nil {
		if havePlainFallback {
			return plainFallback
		}
		return html
	}
	return rendered
}

// captureHeaders walks every top-level header field and returns the ones
// whose name matches a configured prefix, preserving original casing for
// the key and the RFC 2047-decoded value.
func captureHeaders(fields *message.HeaderFields, prefixes []string) map[string]string {
	if len(prefixes) == 0 {
		return nil
	}

	lowerPrefixes := make([]string, len(prefixes))
	for i, p := range prefixes {
		lowerPrefixes[i] = strings.ToLower(p)
	}

	var captured map[string]string
	for fields.Next() {
		key := fields.Key()
		lowerKey := strings.ToLower(key)

		matched := false
		for _, p := range lowerPrefixes {
			if strings.HasPrefix(lowerKey, p) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}

		if captured == nil {
			captured = map[string]string{}
		}
		captured[key] = value
	}

	if len(captured) == 0 {
		return nil
	}
	return captured
}
