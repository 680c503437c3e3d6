package message

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartMessage(subject string, parts ...string) []byte {
	var b strings.Builder
	b.WriteString("From: reports@example.com\r\n")
	b.WriteString("To: finance@example.com\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=\"BOUNDARY\"\r\n")
	b.WriteString("\r\n")
	b.WriteString("--BOUNDARY\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString("Please find the report attached.\r\n")
	for _, p := range parts {
		b.WriteString("--BOUNDARY\r\n")
		b.WriteString(p)
	}
	b.WriteString("--BOUNDARY--\r\n")
	return []byte(b.String())
}

func filePart(disposition, contentType, filename string, data []byte) string {
	return fmt.Sprintf(
		"Content-Type: %s; name=\"%s\"\r\nContent-Disposition: %s; filename=\"%s\"\r\nContent-Transfer-Encoding: base64\r\n\r\n%s\r\n",
		contentType, filename, disposition, filename, base64.StdEncoding.EncodeToString(data),
	)
}

func TestParse_ZipAttachment(t *testing.T) {
	raw := multipartMessage("Settlement report",
		filePart("attachment", "application/zip", "report.ZIP", []byte("PK-zip-bytes")),
	)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Settlement report", parsed.Subject)
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "report.ZIP", parsed.Attachments[0].Filename)
	assert.Equal(t, "application/zip", parsed.Attachments[0].ContentType)
	assert.Equal(t, []byte("PK-zip-bytes"), parsed.Attachments[0].Data)
}

func TestParse_NonZipAttachmentSkipped(t *testing.T) {
	raw := multipartMessage("Settlement report",
		filePart("attachment", "application/pdf", "report.pdf", []byte("%PDF")),
	)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, parsed.Attachments)
}

func TestParse_InlineZipSkipped(t *testing.T) {
	raw := multipartMessage("Settlement report",
		filePart("inline", "application/zip", "report.zip", []byte("PK")),
	)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, parsed.Attachments)
}

func TestParse_EmptyPayloadSkipped(t *testing.T) {
	raw := multipartMessage("Settlement report",
		filePart("attachment", "application/zip", "empty.zip", nil),
	)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, parsed.Attachments)
}

func TestParse_MultipleAttachmentsInOrder(t *testing.T) {
	raw := multipartMessage("Settlement report",
		filePart("attachment", "application/zip", "first.zip", []byte("one")),
		filePart("attachment", "text/csv", "loose.csv", []byte("a,b")),
		filePart("attachment", "application/octet-stream", "second.zip", []byte("two")),
	)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, parsed.Attachments, 2)
	assert.Equal(t, "first.zip", parsed.Attachments[0].Filename)
	assert.Equal(t, "second.zip", parsed.Attachments[1].Filename)
}

func TestParse_EncodedSubject(t *testing.T) {
	raw := multipartMessage("=?utf-8?B?" + base64.StdEncoding.EncodeToString([]byte("Fwd: Settlement ✓")) + "?=")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Fwd: Settlement ✓", parsed.Subject)
}

func TestParse_ForwardedMessage(t *testing.T) {
	inner := multipartMessage("Settlement report",
		filePart("attachment", "application/zip", "inner.zip", []byte("nested")),
	)
	nested := strings.ReplaceAll(string(inner), "BOUNDARY", "INNER")
	forward := "Content-Type: message/rfc822\r\nContent-Disposition: inline\r\n\r\n" + nested + "\r\n"
	raw := multipartMessage("Fwd: FW: Settlement report", forward)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Fwd: FW: Settlement report", parsed.Subject)
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "inner.zip", parsed.Attachments[0].Filename)
	assert.Equal(t, []byte("nested"), parsed.Attachments[0].Data)
}

func TestParse_SinglePartAttachment(t *testing.T) {
	raw := []byte("Subject: bare\r\n" +
		"Content-Type: application/zip\r\n" +
		"Content-Disposition: attachment; filename=\"only.zip\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n\r\n" +
		base64.StdEncoding.EncodeToString([]byte("solo")) + "\r\n")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, []byte("solo"), parsed.Attachments[0].Data)
}

func TestParse_UnquotedFilename(t *testing.T) {
	tests := []struct {
		name string
		part string
		want string
	}{
		{
			name: "disposition filename with space",
			part: "Content-Type: application/zip\r\n" +
				"Content-Disposition: attachment; filename=Settlement report.zip\r\n" +
				"Content-Transfer-Encoding: base64\r\n\r\n",
			want: "Settlement report.zip",
		},
		{
			name: "content type name only",
			part: "Content-Type: application/zip; name=Daily report.zip\r\n" +
				"Content-Disposition: attachment\r\n" +
				"Content-Transfer-Encoding: base64\r\n\r\n",
			want: "Daily report.zip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			part := tt.part + base64.StdEncoding.EncodeToString([]byte("PK")) + "\r\n"
			parsed, err := Parse(multipartMessage("Settlement report", part))
			require.NoError(t, err)
			require.Len(t, parsed.Attachments, 1)
			assert.Equal(t, tt.want, parsed.Attachments[0].Filename)
		})
	}
}

func TestParse_MissingClosingBoundary(t *testing.T) {
	zipPart := filePart("attachment", "application/zip", "report.zip", []byte("PK-zip-bytes"))

	t.Run("text part last", func(t *testing.T) {
		textPart := "Content-Type: text/plain\r\n\r\nRegards\r\n"
		raw := strings.TrimSuffix(string(multipartMessage("Settlement report", zipPart, textPart)), "--BOUNDARY--\r\n")

		parsed, err := Parse([]byte(raw))
		require.NoError(t, err)
		require.Len(t, parsed.Attachments, 1)
		assert.Equal(t, []byte("PK-zip-bytes"), parsed.Attachments[0].Data)
	})

	t.Run("zip part last", func(t *testing.T) {
		raw := strings.TrimSuffix(string(multipartMessage("Settlement report", zipPart)), "--BOUNDARY--\r\n")

		parsed, err := Parse([]byte(raw))
		require.NoError(t, err)
		require.Len(t, parsed.Attachments, 1)
		assert.Equal(t, "report.zip", parsed.Attachments[0].Filename)
	})
}

func TestParse_MalformedForwardKeepsEarlierAttachments(t *testing.T) {
	forward := "Content-Type: message/rfc822\r\n\r\nthis line is not a header\r\n\r\nbody\r\n"
	raw := multipartMessage("Fwd: Settlement report",
		filePart("attachment", "application/zip", "first.zip", []byte("one")),
		forward,
	)

	parsed, err := Parse(raw)
	require.Error(t, err)
	require.NotNil(t, parsed)
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "first.zip", parsed.Attachments[0].Filename)
}

func TestSubject(t *testing.T) {
	got, err := Subject([]byte("Subject: =?utf-8?Q?Razorpay_Settlement?=\r\n\r\nbody"))
	require.NoError(t, err)
	assert.Equal(t, "Razorpay Settlement", got)
}

func TestIsZipAttachment(t *testing.T) {
	tests := []struct {
		disposition string
		filename    string
		want        bool
	}{
		{"attachment", "a.zip", true},
		{"Attachment; size=10", "A.ZIP", true},
		{"attachment", "a.zip.pdf", false},
		{"attachment", "", false},
		{"inline", "a.zip", false},
		{"", "a.zip", false},
	}

	for _, tt := range tests {
		t.Run(tt.disposition+"/"+tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, IsZipAttachment(tt.disposition, tt.filename))
		})
	}
}

func TestSaver_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	saver := NewSaver(dir)

	paths, err := saver.Save("42", []Attachment{
		{Filename: "a.zip", Data: []byte("one")},
		{Filename: "b.zip", Data: []byte("two")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "email_42_attachment_1.zip"),
		filepath.Join(dir, "email_42_attachment_2.zip"),
	}, paths)

	data, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	// counter restarts per message and existing files are replaced
	paths, err = saver.Save("43", []Attachment{{Filename: "c.zip", Data: []byte("three")}})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "email_43_attachment_1.zip")}, paths)
}

func TestSaver_NothingToSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never")
	paths, err := NewSaver(dir).Save("1", nil)
	require.NoError(t, err)
	assert.Nil(t, paths)
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "email_7_attachment_3.zip", FileName("7", 3))
	assert.Equal(t, "email_a_b_attachment_1.zip", FileName("a/b", 1))
}
