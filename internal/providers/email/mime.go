package email

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
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/zigazaga4/emailer/internal/models"
)

var dataImagePattern = regexp.MustCompile(`(?i)(src\s*=\s*)(["'])data:(image/[a-z0-9.+-]+);base64,([a-z0-9+/=\s]+)(["'])`)

// inlineImage is an image lifted out of an HTML body into its own MIME part.
type inlineImage struct {
	ContentID   string
	ContentType string
	Data        []byte
}

// extractInlineImages replaces base64 data URI images in html with cid:
// references and returns the decoded images. Images that fail to decode are
// left in place.
func extractInlineImages(html string) (string, []inlineImage) {
	var images []inlineImage
	out := dataImagePattern.ReplaceAllStringFunc(html, func(match string) string {
		parts := dataImagePattern.FindStringSubmatch(match)
		raw := strings.Join(strings.Fields(parts[4]), "")
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return match
		}
		cid := fmt.Sprintf("image%d@emailer", len(images)+1)
		images = append(images, inlineImage{ContentID: cid, ContentType: strings.ToLower(parts[3]), Data: data})
		return parts[1] + parts[2] + "cid:" + cid + parts[5]
	})
	return out, images
}

// buildMIME renders payload as an RFC 5322 message. HTML bodies with data URI
// images become multipart/related; attachments wrap everything in
// multipart/mixed.
func buildMIME(payload *Payload, from string, date time.Time) ([]byte, error) {
	headers := make(map[string]string, len(payload.Headers)+8)
	for key, value := range payload.Headers {
		canonical := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))
		if canonical == "" || strings.TrimSpace(value) == "" {
			continue
		}
		headers[canonical] = sanitizeHeaderValue(value)
	}

	headers["From"] = formatAddress(payload.FromName, from)
	if len(payload.To) > 0 {
		headers["To"] = strings.Join(payload.To, ", ")
	}
	if len(payload.CC) > 0 {
		headers["Cc"] = strings.Join(payload.CC, ", ")
	} else {
		delete(headers, "Cc")
	}
	delete(headers, "Bcc")

	if _, ok := headers["Date"]; !ok {
		headers["Date"] = date.UTC().Format(time.RFC1123Z)
	}
	if payload.Subject != "" {
		headers["Subject"] = mime.QEncoding.Encode("utf-8", sanitizeHeaderValue(payload.Subject))
	}
	if payload.MessageID != "" {
		if _, exists := headers["Message-Id"]; !exists {
			headers["Message-Id"] = formatMessageID(payload.MessageID, from)
		}
	}
	headers["Mime-Version"] = "1.0"

	body, bodyHeader, err := renderBody(payload)
	if err != nil {
		return nil, err
	}
	if len(payload.Attachments) > 0 {
		body, bodyHeader, err = wrapAttachments(body, bodyHeader, payload.Attachments)
		if err != nil {
			return nil, err
		}
	}
	for key, values := range bodyHeader {
		headers[key] = strings.Join(values, ", ")
	}

	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, key := range keys {
		if headers[key] == "" {
			continue
		}
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(headers[key])
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// renderBody returns the encoded body and the headers describing it.
func renderBody(payload *Payload) ([]byte, textproto.MIMEHeader, error) {
	isHTML := strings.EqualFold(strings.TrimSpace(payload.BodyType), models.BodyTypeHTML)
	content := normalizeBody(payload.Body)

	var images []inlineImage
	if isHTML {
		content, images = extractInlineImages(content)
	}

	text, err := quotedPrintable(content)
	if err != nil {
		return nil, nil, err
	}
	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", contentTypeFor(payload.BodyType))
	textHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	if len(images) == 0 {
		return text, textHeader, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreatePart(textHeader)
	if err != nil {
		return nil, nil, err
	}
	if _, err := part.Write(text); err != nil {
		return nil, nil, err
	}
	for i, img := range images {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", img.ContentType)
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Id", "<"+img.ContentID+">")
		h.Set("Content-Disposition", fmt.Sprintf(`inline; filename="image%d%s"`, i+1, extensionFor(img.ContentType)))
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, nil, err
		}
		if err := writeBase64Lines(part, img.Data); err != nil {
			return nil, nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, nil, err
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Type", fmt.Sprintf(`multipart/related; type="text/html"; boundary=%q`, w.Boundary()))
	return buf.Bytes(), header, nil
}

func wrapAttachments(body []byte, bodyHeader textproto.MIMEHeader, attachments []models.Attachment) ([]byte, textproto.MIMEHeader, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreatePart(bodyHeader)
	if err != nil {
		return nil, nil, err
	}
	if _, err := part.Write(body); err != nil {
		return nil, nil, err
	}

	for _, att := range attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		name := mime.QEncoding.Encode("utf-8", att.Filename)
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", fmt.Sprintf("%s; name=%q", contentType, name))
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, nil, err
		}
		if err := writeBase64Lines(part, att.Content); err != nil {
			return nil, nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, nil, err
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", w.Boundary()))
	return buf.Bytes(), header, nil
}

func quotedPrintable(s string) ([]byte, error) {
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	if _, err := io.WriteString(w, s); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBase64Lines(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		if _, err := io.WriteString(w, encoded[:76]+"\r\n"); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err := io.WriteString(w, encoded+"\r\n")
	return err
}

func formatAddress(name, address string) string {
	if name == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}

func formatMessageID(id, from string) string {
	id = strings.Trim(sanitizeHeaderValue(id), "<>")
	if !strings.Contains(id, "@") {
		domain := "emailer.local"
		if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
			domain = strings.TrimRight(from[at+1:], ">")
		}
		id += "@" + domain
	}
	return "<" + id + ">"
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".png"
	}
}

func contentTypeFor(bodyType string) string {
	switch strings.ToLower(strings.TrimSpace(bodyType)) {
	case models.BodyTypeHTML:
		return "text/html; charset=UTF-8"
	default:
		return "text/plain; charset=UTF-8"
	}
}

func normalizeBody(body string) string {
	if body == "" {
		return ""
	}
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}
