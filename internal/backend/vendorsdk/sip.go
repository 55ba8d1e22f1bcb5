package vendorsdk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/backend"
	"github.com/acme/telecalling/internal/config"
	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/pkg/logger"
)

type sipCall struct {
	invite   *sip.Request
	cancel   context.CancelFunc
	emit     func(SDKEvent)
	answered bool
	remoteTo *sip.ToHeader
	target   sip.Uri
}

// SIPClient is the vendor SDK over a SIP trunk. It registers the agent's SIP
// account and places calls with an audio SDP offer.
type SIPClient struct {
	cfg         config.VendorConfig
	dialTimeout time.Duration
	logger      *logger.Logger

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server
	stop   context.CancelFunc

	mu    sync.Mutex
	creds domain.WebRTCConfig
	calls map[string]*sipCall
}

// NewSIPLoader returns a loader that starts a SIP user agent for cfg.
func NewSIPLoader(cfg config.VendorConfig, call config.CallConfig, lg *logger.Logger) Loader {
	return func(ctx context.Context) (SDK, error) {
		if !cfg.Enabled {
			return nil, errors.New("vendor sip disabled")
		}
		return NewSIPClient(ctx, cfg, call.WithDefaults().DialTimeout, lg)
	}
}

// NewSIPClient builds the user agent and starts listening for in-dialog
// requests from the trunk.
func NewSIPClient(ctx context.Context, cfg config.VendorConfig, dialTimeout time.Duration, lg *logger.Logger) (*SIPClient, error) {
	if cfg.Registrar == "" || cfg.Domain == "" {
		return nil, errors.New("vendor: registrar and domain are required")
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("vendor: new ua: %w", err)
	}

	var clientOpts []sipgo.ClientOption
	if cfg.LocalHost != "" {
		clientOpts = append(clientOpts, sipgo.WithClientHostname(cfg.LocalHost))
	}
	client, err := sipgo.NewClient(ua, clientOpts...)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("vendor: new client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("vendor: new server: %w", err)
	}

	serveCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	c := &SIPClient{
		cfg:         cfg,
		dialTimeout: dialTimeout,
		logger:      lg.Named("sip"),
		ua:          ua,
		client:      client,
		server:      server,
		stop:        stop,
		calls:       make(map[string]*sipCall),
	}
	server.OnBye(c.handleBye)

	listen := net.JoinHostPort(cfg.LocalHost, strconv.Itoa(cfg.LocalPort))
	go func() {
		if err := server.ListenAndServe(serveCtx, cfg.Transport, listen); err != nil && serveCtx.Err() == nil {
			c.logger.Error("sip listener stopped", zap.String("addr", listen), zap.Error(err))
		}
	}()

	return c, nil
}

func (c *SIPClient) aor(user string) sip.Uri {
	return sip.Uri{Scheme: "sip", User: user, Host: c.cfg.Domain}
}

func (c *SIPClient) contact(user string) *sip.ContactHeader {
	return &sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: user, Host: c.cfg.LocalHost, Port: c.cfg.LocalPort}}
}

// Register sends REGISTER to the trunk, answering one digest challenge.
func (c *SIPClient) Register(ctx context.Context, creds domain.WebRTCConfig) error {
	var registrar sip.Uri
	if err := sip.ParseUri(c.cfg.Registrar, &registrar); err != nil {
		return fmt.Errorf("vendor: registrar uri: %w", err)
	}

	if c.cfg.RegisterTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RegisterTimeout)
		defer cancel()
	}

	req := sip.NewRequest(sip.REGISTER, registrar)
	aor := c.aor(creds.SIPUsername)
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: sip.NewParams().Add("tag", newTag())})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	req.AppendHeader(c.contact(creds.SIPUsername))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(c.cfg.RegisterExpiry.Seconds()))))

	res, err := c.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("vendor: register: %w", err)
	}
	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = c.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{Username: creds.SIPUsername, Password: creds.SIPPassword})
		if err != nil {
			return fmt.Errorf("vendor: register auth: %w", err)
		}
	}
	if res.StatusCode != sip.StatusOK {
		return fmt.Errorf("vendor: register rejected: %d %s", res.StatusCode, res.Reason)
	}

	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()

	c.logger.Info("registered with trunk", zap.String("registrar", c.cfg.Registrar), zap.String("aor", aor.String()))
	return nil
}

// Dial sends the INVITE and follows the transaction on its own goroutine.
func (c *SIPClient) Dial(ctx context.Context, req backend.CallRequest, emit func(SDKEvent)) (string, error) {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()

	var target sip.Uri
	if err := sip.ParseUri("sip:"+req.Options.To+"@"+c.cfg.Domain, &target); err != nil {
		return "", fmt.Errorf("vendor: destination uri: %w", err)
	}

	offer, err := buildOffer(c.cfg.LocalHost, c.cfg.RTPPort, uint64(time.Now().Unix()))
	if err != nil {
		return "", err
	}

	callID := uuid.NewString()
	fromUser := creds.SIPUsername
	if req.Options.From != "" {
		fromUser = req.Options.From
	}

	invite := sip.NewRequest(sip.INVITE, target)
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)
	invite.AppendHeader(&sip.FromHeader{Address: c.aor(fromUser), Params: sip.NewParams().Add("tag", newTag())})
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(c.contact(creds.SIPUsername))
	if req.Options.CustomField != "" {
		invite.AppendHeader(sip.NewHeader("X-Custom-Field", req.Options.CustomField))
	}
	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(offer)

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	tx, err := c.client.TransactionRequest(dialCtx, invite)
	if err != nil {
		cancel()
		return "", fmt.Errorf("vendor: send invite: %w", err)
	}

	call := &sipCall{invite: invite, cancel: cancel, emit: emit, target: target}
	c.mu.Lock()
	c.calls[callID] = call
	c.mu.Unlock()

	emit(SDKEvent{CallID: callID, Kind: backend.EventInitiated})
	go c.follow(dialCtx, callID, call, tx, creds)

	return callID, nil
}

func (c *SIPClient) follow(ctx context.Context, callID string, call *sipCall, tx sip.ClientTransaction, creds domain.WebRTCConfig) {
	lg := c.logger.With(zap.String("call_id", callID))
	authed := false
	defer func() { tx.Terminate() }()

	for {
		select {
		case <-ctx.Done():
			if c.forget(callID) == nil {
				// Hung up locally; the session already knows.
				c.sendCancel(call.invite, lg)
				return
			}
			c.sendCancel(call.invite, lg)
			kind := backend.EventFailed
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = backend.EventNoAnswer
			}
			call.emit(SDKEvent{CallID: callID, Kind: kind, Code: 408, Reason: ctx.Err().Error()})
			return

		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			code := int(res.StatusCode)
			lg.Debug("invite response", zap.Int("status", code), zap.String("reason", res.Reason))

			if (res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired) && !authed {
				authed = true
				tx.Terminate()
				next, err := c.client.TransactionDigestAuth(ctx, call.invite, res, sipgo.DigestAuth{Username: creds.SIPUsername, Password: creds.SIPPassword})
				if err != nil {
					c.forget(callID)
					call.emit(SDKEvent{CallID: callID, Kind: backend.EventFailed, Code: code, Reason: err.Error()})
					return
				}
				tx = next
				continue
			}

			kind, final := classify(code)
			if kind == backend.EventAnswered {
				c.confirm(callID, call, res, lg)
				return
			}
			if final {
				c.forget(callID)
			}
			if kind != "" {
				call.emit(SDKEvent{CallID: callID, Kind: kind, Code: code, Reason: res.Reason})
			}
			if final {
				return
			}

		case <-tx.Done():
			if c.forget(callID) == nil {
				return
			}
			reason := "transaction terminated"
			if err := tx.Err(); err != nil {
				reason = err.Error()
			}
			call.emit(SDKEvent{CallID: callID, Kind: backend.EventFailed, Code: 500, Reason: reason})
			return
		}
	}
}

// classify maps an INVITE response code to the event it produces and whether
// it ends the INVITE transaction.
func classify(code int) (backend.EventKind, bool) {
	switch {
	case code < 180:
		return "", false
	case code == 180 || code == 181 || code == 183:
		return backend.EventRinging, false
	case code < 200:
		return "", false
	case code < 300:
		return backend.EventAnswered, true
	case code == 486 || code == 600:
		return backend.EventBusy, true
	case code == 408 || code == 480 || code == 487 || code == 603:
		return backend.EventNoAnswer, true
	default:
		return backend.EventFailed, true
	}
}

func (c *SIPClient) confirm(callID string, call *sipCall, res *sip.Response, lg *logger.Logger) {
	if body := res.Body(); len(body) > 0 {
		if pts, err := offeredPayloads(body); err == nil {
			lg.Debug("answer accepted codecs", zap.Ints("payload_types", pts))
		}
	}

	target := call.invite.Recipient
	if contact := res.Contact(); contact != nil {
		target = contact.Address
	}

	c.mu.Lock()
	_, live := c.calls[callID]
	call.answered = true
	call.target = target
	if to := res.To(); to != nil {
		call.remoteTo = &sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params}
	}
	c.mu.Unlock()

	ack := sip.NewRequest(sip.ACK, target)
	sip.CopyHeaders("From", call.invite, ack)
	sip.CopyHeaders("Call-ID", call.invite, ack)
	if call.remoteTo != nil {
		ack.AppendHeader(call.remoteTo)
	}
	if cseq := call.invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if src := res.Source(); src != "" {
		ack.SetDestination(src)
	}
	if err := c.client.WriteRequest(ack); err != nil {
		lg.Warn("send ACK", zap.Error(err))
	}

	if !live {
		// Hung up while the 200 was in flight: the dialog exists on the far
		// side now, so close it.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.sendBye(ctx, call); err != nil {
			lg.Warn("send BYE after late answer", zap.Error(err))
		}
		return
	}
	call.emit(SDKEvent{CallID: callID, Kind: backend.EventAnswered, Code: int(res.StatusCode), Reason: res.Reason})
}

func (c *SIPClient) sendCancel(invite *sip.Request, lg *logger.Logger) {
	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, req)
	sip.CopyHeaders("From", invite, req)
	sip.CopyHeaders("To", invite, req)
	sip.CopyHeaders("Call-ID", invite, req)
	if cseq := invite.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.client.Do(ctx, req); err != nil {
		lg.Debug("send CANCEL", zap.Error(err))
	}
}

// Hangup cancels an unanswered call or sends BYE on an answered one.
func (c *SIPClient) Hangup(ctx context.Context, callID string) error {
	call := c.forget(callID)
	if call == nil {
		return nil
	}
	c.mu.Lock()
	answered := call.answered
	c.mu.Unlock()

	if !answered {
		// follow sees the cancelled context and sends CANCEL.
		call.cancel()
		return nil
	}
	defer call.cancel()
	return c.sendBye(ctx, call)
}

func (c *SIPClient) sendBye(ctx context.Context, call *sipCall) error {
	c.mu.Lock()
	target := call.target
	remoteTo := call.remoteTo
	c.mu.Unlock()

	bye := sip.NewRequest(sip.BYE, target)
	sip.CopyHeaders("From", call.invite, bye)
	sip.CopyHeaders("Call-ID", call.invite, bye)
	if remoteTo != nil {
		bye.AppendHeader(remoteTo)
	}
	seq := uint32(2)
	if cseq := call.invite.CSeq(); cseq != nil {
		seq = cseq.SeqNo + 1
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	res, err := c.client.Do(ctx, bye)
	if err != nil {
		return fmt.Errorf("vendor: send BYE: %w", err)
	}
	if res.StatusCode >= 300 {
		c.logger.Warn("BYE rejected", zap.Int("status", int(res.StatusCode)), zap.String("reason", res.Reason))
	}
	return nil
}

func (c *SIPClient) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	call := c.forget(callID)
	if call == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		c.logger.Warn("respond to BYE", zap.String("call_id", callID), zap.Error(err))
	}
	call.cancel()
	call.emit(SDKEvent{CallID: callID, Kind: backend.EventEnded, Code: 200, Reason: "remote hangup"})
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// forget removes a call and returns it, or nil if it was already gone.
func (c *SIPClient) forget(callID string) *sipCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.calls[callID]
	if !ok {
		return nil
	}
	delete(c.calls, callID)
	return call
}

// Close stops the listener and the user agent.
func (c *SIPClient) Close() error {
	c.mu.Lock()
	calls := c.calls
	c.calls = make(map[string]*sipCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.cancel()
	}
	c.stop()
	if err := c.ua.Close(); err != nil {
		return fmt.Errorf("vendor: close ua: %w", err)
	}
	return nil
}
