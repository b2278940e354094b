// Package agent talks to the in-guest agent through the hypervisor plugin
// channel. Every call is a request/response pair: failures of the transport
// are classified into return codes and handed back as data, never as errors,
// except for the password handshake which is fatal to the caller.
//
// Import Path: conductor.io/conductor/internal/agent
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"conductor.io/conductor/internal/hypervisor"
	apperrors "conductor.io/conductor/internal/pkg/errors"
	"conductor.io/conductor/internal/pkg/logger"
)

// Plugin is the hypervisor plugin that relays agent requests.
const Plugin = "agent"

// Return codes.
const (
	CodeSuccess        = "0"
	CodeKeyInitSuccess = "D0"
	CodeTimeout        = "timeout"
	CodeNotImplemented = "notimplemented"
	CodeError          = "error"
)

// Failure markers the agent plugin writes on the last line of its traceback.
const (
	markerTimeout        = "TIMEOUT:"
	markerNotImplemented = "NOT IMPLEMENTED:"
)

const msgUndecodable = "unable to deserialize response"

// Request is one agent call.
type Request struct {
	Method string
	ID     string
	Args   map[string]string
}

// Response is the agent's reply, or the local classification of a transport failure.
type Response struct {
	ReturnCode string `json:"returncode"`
	Message    string `json:"message"`
}

// OK reports a plain success.
func (r Response) OK() bool { return r.ReturnCode == CodeSuccess }

// Transport is what a Channel needs from the hypervisor session.
type Transport interface {
	hypervisor.PluginCaller
	GetVMRecord(ctx context.Context, vm hypervisor.VMRef) (hypervisor.VMRecord, error)
}

// Observer receives one notification per agent call.
type Observer interface {
	AgentCall(method, returnCode string, elapsed time.Duration)
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// WithObserver attaches call metrics.
func WithObserver(o Observer) Option {
	return func(c *Channel) { c.observer = o }
}

// WithVersionTimeout bounds GetVersion. Zero disables waiting: one attempt is made.
func WithVersionTimeout(d time.Duration) Option {
	return func(c *Channel) { c.versionTimeout = d }
}

// WithPollInterval sets the minimum spacing between version attempts.
func WithPollInterval(d time.Duration) Option {
	return func(c *Channel) { c.pollInterval = d }
}

// WithCipher selects the password cipher.
func WithCipher(ci *Cipher) Option {
	return func(c *Channel) { c.cipher = ci }
}

// Channel is bound to one VM.
type Channel struct {
	transport      Transport
	vm             hypervisor.VMRef
	log            *zap.Logger
	observer       Observer
	cipher         *Cipher
	versionTimeout time.Duration
	pollInterval   time.Duration
	newDH          func(*Cipher) (*SimpleDH, error)
}

// NewChannel creates a channel to the agent running inside vm.
func NewChannel(t Transport, vm hypervisor.VMRef, opts ...Option) *Channel {
	c := &Channel{
		transport:      t,
		vm:             vm,
		cipher:         DefaultCipher(),
		versionTimeout: 300 * time.Second,
		pollInterval:   time.Second,
		newDH:          NewSimpleDH,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.L()
	}
	return c
}

// Call sends method with args and classifies the outcome.
func (c *Channel) Call(ctx context.Context, method string, args map[string]string) Response {
	start := time.Now()
	resp := c.call(ctx, method, args)
	if c.observer != nil {
		c.observer.AgentCall(method, resp.ReturnCode, time.Since(start))
	}
	return resp
}

func (c *Channel) call(ctx context.Context, method string, args map[string]string) Response {
	req := Request{Method: method, ID: uuid.NewString(), Args: make(map[string]string, len(args)+2)}
	for k, v := range args {
		req.Args[k] = v
	}

	rec, err := c.transport.GetVMRecord(ctx, c.vm)
	if err != nil {
		c.log.Error("Failed to read VM record for agent call",
			zap.String("method", method), zap.String("request_id", req.ID), zap.Error(err))
		return Response{ReturnCode: CodeError, Message: err.Error()}
	}
	req.Args["dom_id"] = rec.DomID
	req.Args["id"] = req.ID

	raw, err := c.transport.CallPlugin(ctx, Plugin, method, req.Args)
	if err != nil {
		return c.classify(req, err)
	}

	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil || resp.ReturnCode == "" {
		c.log.Error("Unable to deserialize agent response",
			zap.String("method", method), zap.String("request_id", req.ID))
		return Response{ReturnCode: CodeError, Message: msgUndecodable}
	}
	return resp
}

func (c *Channel) classify(req Request, err error) Response {
	msg := err.Error()
	if f, ok := hypervisor.IsFailure(err); ok {
		msg = f.LastLine()
	}
	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("request_id", req.ID),
		zap.String("reason", msg),
	}
	switch {
	case strings.Contains(msg, markerTimeout):
		c.log.Error("Timeout waiting for agent", fields...)
		return Response{ReturnCode: CodeTimeout, Message: msg}
	case strings.Contains(msg, markerNotImplemented):
		c.log.Error("Agent method not implemented", fields...)
		return Response{ReturnCode: CodeNotImplemented, Message: msg}
	default:
		c.log.Error("Agent call failed", fields...)
		return Response{ReturnCode: CodeError, Message: msg}
	}
}

// GetVersion asks the agent for its version until it answers or the
// version timeout elapses. ok is false when no version was obtained.
func (c *Channel) GetVersion(ctx context.Context) (version string, ok bool) {
	rec, err := c.transport.GetVMRecord(ctx, c.vm)
	if err != nil {
		c.log.Error("Failed to read VM record", zap.Error(err))
		return "", false
	}
	domID := rec.DomID

	if c.versionTimeout <= 0 {
		return c.tryVersion(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, c.versionTimeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(c.pollInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			c.log.Warn("Giving up waiting for agent version", zap.Duration("timeout", c.versionTimeout))
			return "", false
		}
		if v, ok := c.tryVersion(ctx); ok {
			return v, true
		}

		rec, err := c.transport.GetVMRecord(ctx, c.vm)
		if err != nil {
			continue
		}
		if rec.DomID != domID {
			c.log.Info("Domain id changed", zap.String("old_dom_id", domID), zap.String("new_dom_id", rec.DomID))
			domID = rec.DomID
		}
	}
}

func (c *Channel) tryVersion(ctx context.Context) (string, bool) {
	resp := c.Call(ctx, "version", nil)
	if !resp.OK() {
		return "", false
	}
	v := stripEscapedCRLF(resp.Message)
	return v, v != ""
}

// SetAdminPassword exchanges a key with the agent and sends the encrypted password.
func (c *Channel) SetAdminPassword(ctx context.Context, password string) error {
	dh, err := c.newDH(c.cipher)
	if err != nil {
		return err
	}

	resp := c.Call(ctx, "key_init", map[string]string{"pub": dh.Public().String()})
	if resp.ReturnCode != CodeKeyInitSuccess {
		c.log.Error("Failed to exchange keys", zap.String("returncode", resp.ReturnCode))
		return apperrors.ErrAgentKeyExchangef(resp.ReturnCode, resp.Message)
	}

	peer, ok := new(big.Int).SetString(strings.TrimSpace(stripEscapedCRLF(resp.Message)), 10)
	if !ok {
		c.log.Error("Agent returned a malformed public key")
		return apperrors.ErrAgentKeyExchangef(resp.ReturnCode, "malformed public key")
	}
	dh.ComputeShared(peer)

	enc, err := dh.Encrypt(password + "\n")
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeAgentPassword, "encrypt password", http.StatusInternalServerError)
	}

	resp = c.Call(ctx, "password", map[string]string{"enc_pass": enc})
	if !resp.OK() {
		c.log.Error("Failed to update password", zap.String("returncode", resp.ReturnCode))
		return apperrors.ErrAgentPasswordf(resp.ReturnCode, resp.Message)
	}
	return nil
}

// InjectFile writes contents to path inside the guest. Failures are logged
// and returned as data.
func (c *Channel) InjectFile(ctx context.Context, path, contents string) Response {
	resp := c.Call(ctx, "inject_file", map[string]string{
		"b64_path":     base64.StdEncoding.EncodeToString([]byte(path)),
		"b64_contents": base64.StdEncoding.EncodeToString([]byte(contents)),
	})
	if !resp.OK() {
		c.log.Error("Failed to inject file", zap.String("path", path), zap.String("returncode", resp.ReturnCode))
	}
	return resp
}

// ResetNetwork makes the agent re-read its network configuration.
func (c *Channel) ResetNetwork(ctx context.Context) Response {
	return c.Call(ctx, "resetnetwork", nil)
}

// Update asks the agent to fetch and install a newer build.
func (c *Channel) Update(ctx context.Context, url, md5sum string) Response {
	resp := c.Call(ctx, "agentupdate", map[string]string{"url": url, "md5sum": md5sum})
	if !resp.OK() {
		c.log.Error("Failed to update agent", zap.String("url", url), zap.String("returncode", resp.ReturnCode))
	}
	return resp
}

// ErrNoBuild is returned by a BuildSource when no build matches.
var ErrNoBuild = errors.New("no agent build")

// stripEscapedCRLF removes the literal backslash-escaped line endings some
// agents append to messages.
func stripEscapedCRLF(s string) string {
	return strings.ReplaceAll(s, `\r\n`, "")
}
