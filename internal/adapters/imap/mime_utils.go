package imap

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/mikey/warmup-engine/internal/core"
	"golang.org/x/text/encoding/ianaindex"
)

// maxBodySize caps the text kept per message
const maxBodySize = 64 * 1024

// charsetReader converts a non UTF-8 charset into UTF-8
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.MIME.Encoding(strings.ToLower(charset))
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	if enc == nil {
		return input, nil
	}
	return enc.NewDecoder().Reader(input), nil
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// decodeHeader decodes RFC 2047 encoded words, keeping the raw value on failure
func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// parseMessage turns a raw RFC 5322 message into an InboundMessage
func parseMessage(uid uint32, received time.Time, raw io.Reader) (*core.InboundMessage, error) {
	msg, err := mail.ReadMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	headers := make(map[string]string, len(msg.Header))
	for k, v := range msg.Header {
		if len(v) > 0 {
			headers[textproto.CanonicalMIMEHeaderKey(k)] = decodeHeader(v[0])
		}
	}

	in := &core.InboundMessage{
		UID:       uid,
		MessageID: core.NormalizeMessageID(msg.Header.Get("Message-Id")),
		From:      decodeHeader(msg.Header.Get("From")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		InReplyTo: core.NormalizeMessageID(firstField(msg.Header.Get("In-Reply-To"))),
		Headers:   headers,
		Date:      received,
	}
	if date, err := msg.Header.Date(); err == nil {
		in.Date = date
	}
	for _, ref := range strings.Fields(msg.Header.Get("References")) {
		if id := core.NormalizeMessageID(ref); id != "" {
			in.References = append(in.References, id)
		}
	}

	parser := mail.AddressParser{WordDecoder: wordDecoder}
	if list, err := parser.ParseList(msg.Header.Get("To")); err == nil {
		for _, addr := range list {
			in.To = append(in.To, addr.Address)
		}
	}

	body, err := extractText(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body, 0)
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodySize {
		body = body[:maxBodySize]
	}
	in.Body = body
	return in, nil
}

// extractText collects the readable text of a MIME entity. Plain text and
// delivery status parts are kept; HTML is only used when nothing else exists.
func extractText(contentType, transferEncoding string, body io.Reader, depth int) (string, error) {
	body = decodeTransfer(transferEncoding, body)

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || contentType == "" {
		mediaType = "text/plain"
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		b, err := io.ReadAll(io.LimitReader(body, maxBodySize))
		if err != nil {
			return "", fmt.Errorf("failed to read message body: %w", err)
		}
		return decodeCharset(params["charset"], b), nil
	}

	boundary := params["boundary"]
	if boundary == "" || depth > 5 {
		b, err := io.ReadAll(io.LimitReader(body, maxBodySize))
		if err != nil {
			return "", fmt.Errorf("failed to read message body: %w", err)
		}
		return string(b), nil
	}

	var text, html bytes.Buffer
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep what was read so far
			break
		}

		partType := strings.ToLower(part.Header.Get("Content-Type"))
		encoding := part.Header.Get("Content-Transfer-Encoding")
		switch {
		case strings.HasPrefix(partType, "multipart/"):
			nested, err := extractText(part.Header.Get("Content-Type"), encoding, part, depth+1)
			if err == nil && nested != "" {
				text.WriteString(nested)
				text.WriteString("\n")
			}
		case partType == "" || strings.HasPrefix(partType, "text/plain"),
			strings.HasPrefix(partType, "message/delivery-status"),
			strings.HasPrefix(partType, "message/rfc822"),
			strings.HasPrefix(partType, "text/rfc822-headers"):
			s, err := extractText(part.Header.Get("Content-Type"), encoding, part, depth+1)
			if err == nil {
				text.WriteString(s)
				text.WriteString("\n")
			}
		case strings.HasPrefix(partType, "text/html"):
			s, err := extractText(part.Header.Get("Content-Type"), encoding, part, depth+1)
			if err == nil {
				html.WriteString(s)
			}
		}
		// Skip other parts (attachments, etc.)
	}

	if text.Len() > 0 {
		return text.String(), nil
	}
	return html.String(), nil
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, &whitespaceStripper{r: r})
	}
	return r
}

func decodeCharset(charset string, b []byte) string {
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "us-ascii") {
		return string(b)
	}
	r, err := charsetReader(charset, bytes.NewReader(b))
	if err != nil {
		return string(b)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return string(b)
	}
	return string(decoded)
}

// whitespaceStripper drops line breaks from base64 content
type whitespaceStripper struct {
	r io.Reader
}

func (w *whitespaceStripper) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	j := 0
	for i := 0; i < n; i++ {
		switch p[i] {
		case '\r', '\n', ' ', '\t':
			continue
		}
		p[j] = p[i]
		j++
	}
	if j == 0 && n > 0 && err == nil {
		return w.Read(p)
	}
	return j, err
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
