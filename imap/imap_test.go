package imap

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser = "finance@example.com"
	testPass = "app-password"
)

func startServer(t *testing.T) (string, int) {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPass)
	require.NoError(t, user.Create("INBOX", nil))
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps: imapv2.CapSet{
			imapv2.CapIMAP4rev1: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	host, portText, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)
	return host, port
}

func seed(t *testing.T, host string, port int, messages ...string) {
	t.Helper()

	client, err := imapclient.DialInsecure(net.JoinHostPort(host, strconv.Itoa(port)), nil)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Login(testUser, testPass).Wait())

	for _, raw := range messages {
		cmd := client.Append("INBOX", int64(len(raw)), nil)
		_, err := cmd.Write([]byte(raw))
		require.NoError(t, err)
		require.NoError(t, cmd.Close())
		_, err = cmd.Wait()
		require.NoError(t, err)
	}
	require.NoError(t, client.Logout().Wait())
}

func rawMessage(subject, body string) string {
	return "From: reports@example.com\r\n" +
		"To: " + testUser + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"\r\n" +
		body + "\r\n"
}

func dialTest(t *testing.T, host string, port int) *Session {
	t.Helper()
	s, err := Dial(context.Background(), Options{
		Host:     host,
		Port:     port,
		Username: testUser,
		Password: testPass,
		UseTLS:   false,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_SearchAndFetch(t *testing.T) {
	host, port := startServer(t)
	seed(t, host, port,
		rawMessage("Fwd: FW: RazorPay Settlement report", "first"),
		rawMessage("Weekly newsletter", "unrelated"),
		rawMessage("RazorPay Settlement report for March", "second"),
	)

	s := dialTest(t, host, port)
	ctx := context.Background()

	ids, err := s.Search(ctx, "INBOX", "RazorPay Settlement report")
	require.NoError(t, err)
	require.Len(t, ids, 2)

	first, err := s.Fetch(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], first.ID)
	assert.True(t, bytes.Contains(first.Raw, []byte("first")))

	second, err := s.Fetch(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, bytes.Contains(second.Raw, []byte("second")))
}

func TestSession_SearchNoMatches(t *testing.T) {
	host, port := startServer(t)
	seed(t, host, port, rawMessage("Weekly newsletter", "unrelated"))

	s := dialTest(t, host, port)

	ids, err := s.Search(context.Background(), "", "RazorPay")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSession_SearchUnknownMailbox(t *testing.T) {
	host, port := startServer(t)
	s := dialTest(t, host, port)

	_, err := s.Search(context.Background(), "Archive/Missing", "RazorPay")
	require.ErrorIs(t, err, ErrSearch)
}

func TestSession_FetchErrors(t *testing.T) {
	host, port := startServer(t)
	s := dialTest(t, host, port)
	ctx := context.Background()

	_, err := s.Search(ctx, "INBOX", "anything")
	require.NoError(t, err)

	_, err = s.Fetch(ctx, "not-a-uid")
	require.ErrorIs(t, err, ErrFetch)

	_, err = s.Fetch(ctx, "999")
	require.ErrorIs(t, err, ErrFetch)
}

func TestDial_BadPassword(t *testing.T) {
	host, port := startServer(t)

	_, err := Dial(context.Background(), Options{
		Host:     host,
		Port:     port,
		Username: testUser,
		Password: "wrong",
	}, nil)
	require.ErrorIs(t, err, ErrLogin)
}

func TestDial_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), Options{Host: "127.0.0.1", Port: addr.Port, Username: testUser, Password: testPass}, nil)
	require.ErrorIs(t, err, ErrConnect)
	assert.False(t, errors.Is(err, ErrLogin))
}

func TestDial_InvalidOptions(t *testing.T) {
	_, err := Dial(context.Background(), Options{Port: 993}, nil)
	require.ErrorIs(t, err, ErrConnect)

	_, err = Dial(context.Background(), Options{Host: "imap.example.com"}, nil)
	require.ErrorIs(t, err, ErrConnect)
}

func TestSession_CloseTwice(t *testing.T) {
	host, port := startServer(t)
	s := dialTest(t, host, port)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
