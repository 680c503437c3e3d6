package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Attachment is a ZIP payload pulled out of a message part.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Parsed is the decoded subject and qualifying attachments of one message.
type Parsed struct {
	Subject     string
	Attachments []Attachment
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Parse decodes raw into its subject and ZIP attachments. Parts are visited
// depth-first, including the bodies of forwarded message/rfc822 parts.
func Parse(raw []byte) (*Parsed, error) {
	entity, err := readEntity(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	parsed := &Parsed{Subject: decodeSubject(entity.Header)}
	if err := walk(entity, parsed); err != nil {
		return parsed, err
	}
	return parsed, nil
}

// Subject decodes only the Subject header of raw.
func Subject(raw []byte) (string, error) {
	entity, err := readEntity(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("read message: %w", err)
	}
	return decodeSubject(entity.Header), nil
}

// IsZipAttachment applies the selection policy: the disposition mentions
// "attachment", a filename is present, and it ends in .zip.
func IsZipAttachment(disposition, filename string) bool {
	if !strings.Contains(strings.ToLower(disposition), "attachment") {
		return false
	}
	if filename == "" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(filename), ".zip")
}

func walk(entity *gomessage.Entity, parsed *Parsed) error {
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) || truncated(err) {
				return nil
			}
			if err != nil && !tolerable(err) {
				return fmt.Errorf("next part: %w", err)
			}
			if err := walk(part, parsed); err != nil {
				return err
			}
		}
	}

	disposition := entity.Header.Get("Content-Disposition")
	filename := attachmentFilename(entity.Header)
	mediaType, _, _ := entity.Header.ContentType()

	if IsZipAttachment(disposition, filename) {
		data, err := io.ReadAll(entity.Body)
		if err != nil && !(truncated(err) && len(data) > 0) {
			return fmt.Errorf("read attachment %s: %w", filename, err)
		}
		if len(data) == 0 {
			return nil
		}
		parsed.Attachments = append(parsed.Attachments, Attachment{
			Filename:    filename,
			ContentType: mediaType,
			Data:        data,
		})
		return nil
	}

	if strings.EqualFold(mediaType, "message/rfc822") {
		inner, err := readEntity(entity.Body)
		if err != nil {
			return fmt.Errorf("read forwarded message: %w", err)
		}
		return walk(inner, parsed)
	}

	return nil
}

func readEntity(r io.Reader) (*gomessage.Entity, error) {
	entity, err := gomessage.Read(r)
	if err != nil && !tolerable(err) {
		return nil, err
	}
	return entity, nil
}

// tolerable reports errors after which go-message still hands back a usable
// entity with the undecoded body.
func tolerable(err error) bool {
	return gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err)
}

// truncated reports a multipart body that ends before its closing boundary.
// go-message formats the underlying EOF into the error text instead of
// wrapping it.
func truncated(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return strings.HasSuffix(err.Error(), io.EOF.Error())
}

func decodeSubject(h gomessage.Header) string {
	header := mail.Header{Header: h}
	subject, err := header.Subject()
	if err != nil {
		return h.Get("Subject")
	}
	return subject
}

func attachmentFilename(h gomessage.Header) string {
	ah := &mail.AttachmentHeader{Header: h}
	filename, err := ah.Filename()
	if err != nil || filename == "" {
		filename = rawParam(h.Get("Content-Disposition"), "filename")
	}
	if filename == "" {
		filename = rawParam(h.Get("Content-Type"), "name")
	}
	if filename == "" {
		return ""
	}
	if strings.Contains(filename, "=?") {
		if decoded, err := wordDecoder.DecodeHeader(filename); err == nil {
			filename = decoded
		}
	}
	return filename
}

// rawParam extracts a header parameter without RFC 2045 parsing, for senders
// that leave values with spaces unquoted (filename=Settlement report.zip).
func rawParam(value, name string) string {
	params := strings.Split(value, ";")
	for _, param := range params[1:] {
		key, val, ok := strings.Cut(param, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), name) {
			continue
		}
		val = strings.TrimSpace(val)
		val = strings.Trim(val, `"'`)
		return strings.TrimSpace(val)
	}
	return ""
}
