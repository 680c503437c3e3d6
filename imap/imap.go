package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mailzip-to-csv/model"
)

var (
	ErrConnect = errors.New("imap connect failed")
	ErrLogin   = errors.New("imap login failed")
	ErrSearch  = errors.New("imap search failed")
	ErrFetch   = errors.New("imap fetch failed")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
}

// Session is one authenticated IMAP connection. It is not safe for
// concurrent use.
type Session struct {
	opts      Options
	client    *imapclient.Client
	logger    *slog.Logger
	stopClose func() bool
	closeOnce sync.Once
	selected  string
}

// Dial connects and logs in. The returned Session must be closed; it is also
// torn down when ctx is canceled.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("%w: imap host is empty", ErrConnect)
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("%w: imap port must be positive", ErrConnect)
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnect, address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			return nil, fmt.Errorf("%w: %s %s", ErrLogin, respErr.Type, respErr.Text)
		}
		return nil, fmt.Errorf("%w: %w", ErrLogin, err)
	}

	if logger != nil {
		logger.Info("logged in to mail account", "address", address, "user", opts.Username, "tls", opts.UseTLS)
	}

	s := &Session{
		opts:   opts,
		client: client,
		logger: logger,
	}
	s.stopClose = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	return s, nil
}

// Search selects mailbox read-only and returns the UIDs of messages whose
// Subject contains subject, in server order.
func (s *Session) Search(ctx context.Context, mailbox, subject string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.selectMailbox(mailbox); err != nil {
		return nil, err
	}

	criteria := &imapv2.SearchCriteria{
		Header: []imapv2.SearchCriteriaHeaderField{
			{Key: "Subject", Value: subject},
		},
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearch, err)
	}

	uids := data.AllUIDs()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}

	if s.logger != nil {
		s.logger.Debug("imap search finished", "mailbox", mailbox, "subject", subject, "matches", len(ids))
	}
	return ids, nil
}

// Fetch retrieves the full raw message for a UID returned by Search without
// marking it as seen.
func (s *Session) Fetch(ctx context.Context, id string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}

	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: invalid uid %q", ErrFetch, id)
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	fetchOpts := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	cmd := s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), fetchOpts)

	msg := cmd.Next()
	if msg == nil {
		if err := cmd.Close(); err != nil {
			return model.Message{}, fmt.Errorf("%w: message %s: %w", ErrFetch, id, err)
		}
		return model.Message{}, fmt.Errorf("%w: message %s not found", ErrFetch, id)
	}

	buf, err := msg.Collect()
	if err != nil {
		_ = cmd.Close()
		return model.Message{}, fmt.Errorf("%w: message %s: %w", ErrFetch, id, err)
	}

	if err := cmd.Close(); err != nil {
		return model.Message{}, fmt.Errorf("%w: message %s: %w", ErrFetch, id, err)
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return model.Message{}, fmt.Errorf("%w: message %s has no body", ErrFetch, id)
	}

	return model.Message{ID: id, Raw: raw}, nil
}

// Close logs out and closes the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.stopClose != nil {
			s.stopClose()
		}
		if err := s.client.Logout().Wait(); err != nil && s.logger != nil {
			s.logger.Warn("imap logout failed", "err", err)
		}
		if err := s.client.Close(); err != nil && s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	})
	return nil
}

func (s *Session) selectMailbox(mailbox string) error {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if s.selected == mailbox {
		return nil
	}
	if _, err := s.client.Select(mailbox, &imapv2.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return fmt.Errorf("%w: select %s: %w", ErrSearch, mailbox, err)
	}
	s.selected = mailbox
	return nil
}
