package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/mikey/warmup-engine/internal/core"
	"go.uber.org/zap"
)

func init() {
	goimap.CharsetReader = charsetReader
}

var _ core.Mailbox = (*Mailbox)(nil)

// Mailbox opens IMAP sessions for sender accounts
type Mailbox struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewMailbox creates a new IMAP mailbox client
func NewMailbox(timeout time.Duration, logger *zap.Logger) *Mailbox {
	return &Mailbox{timeout: timeout, logger: logger}
}

// Open connects and logs in to the account's IMAP server
func (m *Mailbox) Open(ctx context.Context, creds core.Credentials) (core.MailboxSession, error) {
	if creds.IMAPHost == "" {
		return nil, &core.TransportError{Op: "imap connect", Err: fmt.Errorf("no IMAP host configured")}
	}
	port := creds.IMAPPort
	if port == 0 {
		port = 143
		if creds.UseTLS {
			port = 993
		}
	}
	addr := net.JoinHostPort(creds.IMAPHost, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: m.timeout}
	tlsConfig := &tls.Config{ServerName: creds.IMAPHost}

	var (
		c   *client.Client
		err error
	)
	if creds.UseTLS {
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, &core.TransportError{Op: "imap connect", Err: err}
	}
	c.Timeout = m.timeout

	// Tear the connection down when the caller gives up
	stop := context.AfterFunc(ctx, func() {
		c.Terminate()
	})

	if !creds.UseTLS {
		ok, err := c.SupportStartTLS()
		if err != nil {
			stop()
			c.Terminate()
			return nil, &core.TransportError{Op: "imap capability", Err: err}
		}
		if ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				stop()
				c.Terminate()
				return nil, &core.TransportError{Op: "imap starttls", Err: err}
			}
		}
	}

	if err := c.Login(creds.Username, creds.Password); err != nil {
		stop()
		c.Terminate()
		return nil, &core.TransportError{Op: "imap login", Err: err}
	}

	m.logger.Debug("IMAP session opened",
		zap.String("server", addr),
		zap.String("username", creds.Username))

	return &session{c: c, stop: stop, addr: addr, logger: m.logger}, nil
}

// session is one authenticated IMAP connection
type session struct {
	c      *client.Client
	stop   func() bool
	addr   string
	logger *zap.Logger
}

func (s *session) Select(ctx context.Context, folder string) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	status, err := s.c.Select(folder, false)
	if err != nil {
		return 0, &core.TransportError{Op: "imap select " + folder, Err: err}
	}
	return status.UidValidity, nil
}

func (s *session) FetchAfter(ctx context.Context, afterUID uint32, since time.Time, limit int) ([]*core.InboundMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria := goimap.NewSearchCriteria()
	if afterUID > 0 {
		criteria.Uid = new(goimap.SeqSet)
		criteria.Uid.AddRange(afterUID+1, 0)
	} else if !since.IsZero() {
		criteria.Since = since
	}

	found, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, &core.TransportError{Op: "imap search", Err: err}
	}

	// n:* always matches the highest UID, even when it is below n
	uids := make([]uint32, 0, len(found))
	for _, uid := range found {
		if uid > afterUID {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return nil, nil
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	seqset := new(goimap.SeqSet)
	seqset.AddNum(uids...)
	section := &goimap.BodySectionName{Peek: true}
	items := []goimap.FetchItem{goimap.FetchUid, goimap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *goimap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqset, items, ch)
	}()

	var out []*core.InboundMessage
	for msg := range ch {
		body := msg.GetBody(section)
		if body == nil {
			s.logger.Warn("Server returned no body", zap.Uint32("uid", msg.Uid))
			out = append(out, &core.InboundMessage{UID: msg.Uid, Date: msg.InternalDate})
			continue
		}
		in, err := parseMessage(msg.Uid, msg.InternalDate, body)
		if err != nil {
			// Unparseable mail is still returned so that the cursor moves past it
			s.logger.Warn("Failed to parse message", zap.Uint32("uid", msg.Uid), zap.Error(err))
			in = &core.InboundMessage{UID: msg.Uid, Date: msg.InternalDate}
		}
		out = append(out, in)
	}
	if err := <-done; err != nil {
		return nil, &core.TransportError{Op: "imap fetch", Err: err}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (s *session) MarkSeen(ctx context.Context, uid uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seqset := new(goimap.SeqSet)
	seqset.AddNum(uid)
	item := goimap.FormatFlagsOp(goimap.AddFlags, true)
	if err := s.c.UidStore(seqset, item, []interface{}{goimap.SeenFlag}, nil); err != nil {
		return &core.TransportError{Op: "imap store", Err: err}
	}
	return nil
}

func (s *session) Move(ctx context.Context, uid uint32, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seqset := new(goimap.SeqSet)
	seqset.AddNum(uid)
	if err := s.c.UidMove(seqset, dest); err != nil {
		return &core.TransportError{Op: "imap move " + dest, Err: err}
	}
	return nil
}

func (s *session) Close() error {
	s.stop()
	if err := s.c.Logout(); err != nil {
		s.logger.Debug("IMAP logout failed", zap.String("server", s.addr), zap.Error(err))
		return s.c.Terminate()
	}
	return nil
}
