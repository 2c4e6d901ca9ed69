// Package chatwire provides a high-level client for the chatwire secure
// messaging protocol: end-to-end encrypted 1:1 and group messaging over a
// multiplexing websocket, with durable crash-safe decryption.
package chatwire

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/chatwire/internal/chatservice"
	"github.com/gwillem/chatwire/internal/chatws"
	"github.com/gwillem/chatwire/internal/groups"
	"github.com/gwillem/chatwire/internal/store"
	"github.com/gwillem/chatwire/internal/wirecrypto"
)

const defaultWSURL = "wss://chat.chatwire.dev"

// initialPreKeyCount is how many one-time pre-keys a fresh account holds.
const initialPreKeyCount = 100

// Message is a received message as surfaced to the application.
type Message struct {
	Sender      string // sender ACI
	Device      uint32
	Body        string
	Timestamp   uint64 // sender timestamp, unix millis
	GroupID     string // hex group identifier, empty for 1:1
	ExpireTimer uint32 // disappearing-message duration in seconds, 0 = off
	Receipt     bool   // server delivery receipt, Body empty
}

// Group is a group known to the local store.
type Group = store.Group

// StatusEvent reports a connection state transition.
type StatusEvent = chatws.StatusEvent

// Client is the main entry point.
type Client struct {
	wsURL         string
	tlsConfig     *tls.Config
	dbPath        string
	logger        logrus.FieldLogger
	trustRoot     ed25519.PublicKey
	sendCacheSize int
	maxResendAge  time.Duration

	store   *store.Store
	service *chatservice.Service
	acct    *store.Account

	events    chan *chatservice.DecryptionResult
	lifecycle chan chatws.StatusEvent
}

// Option configures a Client.
type Option func(*Client)

// WithWSURL overrides the default chat server URL.
func WithWSURL(url string) Option {
	return func(c *Client) { c.wsURL = url }
}

// WithTLSConfig overrides the TLS configuration used for connections.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithDBPath overrides the database path for persistent storage.
// If not set, $XDG_DATA_HOME/chatwire/default.db is used.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the logger for verbose output.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTrustRoot sets the service trust root used to validate sealed-sender
// certificates.
func WithTrustRoot(pub ed25519.PublicKey) Option {
	return func(c *Client) { c.trustRoot = pub }
}

// WithSendCacheSize bounds the resend cache.
func WithSendCacheSize(n int) Option {
	return func(c *Client) { c.sendCacheSize = n }
}

// WithMaxResendAge sets the oldest retry request still answered with
// cached content.
func WithMaxResendAge(d time.Duration) Option {
	return func(c *Client) { c.maxResendAge = d }
}

// NewClient creates a client. Call CreateAccount or Load before Connect.
func NewClient(opts ...Option) *Client {
	c := &Client{
		wsURL:     defaultWSURL,
		logger:    logrus.StandardLogger(),
		events:    make(chan *chatservice.DecryptionResult, 256),
		lifecycle: make(chan chatws.StatusEvent, 16),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open opens an existing account database and loads its credentials.
func Open(dbPath string, opts ...Option) (*Client, error) {
	c := NewClient(append(opts, WithDBPath(dbPath))...)
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateAccount initializes a fresh account in the database: identity
// keys, credentials, a profile key, and an initial pre-key batch.
func (c *Client) CreateAccount(aci string, deviceID uint32) error {
	if err := c.openStore(); err != nil {
		return err
	}

	kp, err := wirecrypto.NewIdentityKeyPair()
	if err != nil {
		return err
	}
	password, err := randomToken(18)
	if err != nil {
		return err
	}
	profileKey := make([]byte, 32)
	if _, err := rand.Read(profileKey); err != nil {
		return fmt.Errorf("chatwire: generate profile key: %w", err)
	}

	acct := &store.Account{
		ACI:            aci,
		DeviceID:       deviceID,
		Password:       password,
		RegistrationID: randomRegistrationID(),
		ProfileKey:     profileKey,
	}
	acct.SetKeyPair(kp)
	if err := c.store.SaveAccount(acct); err != nil {
		return err
	}

	for id := uint32(1); id <= initialPreKeyCount; id++ {
		pk, err := wirecrypto.NewPreKey(id)
		if err != nil {
			return err
		}
		if err := c.store.StorePreKey(pk); err != nil {
			return err
		}
	}

	c.acct = acct
	c.initService()
	return nil
}

// Load opens the database and loads existing credentials.
func (c *Client) Load() error {
	if err := c.openStore(); err != nil {
		return err
	}
	acct, err := c.store.LoadAccount()
	if err != nil {
		return err
	}
	if acct == nil {
		return errors.New("chatwire: no account in database")
	}
	c.acct = acct
	c.initService()
	return nil
}

func (c *Client) openStore() error {
	s, err := store.Open(c.dbPath)
	if err != nil {
		return fmt.Errorf("chatwire: open store: %w", err)
	}
	c.store = s
	return nil
}

func (c *Client) initService() {
	c.service = chatservice.New(chatservice.Config{
		WSURL:     c.wsURL,
		TLSConfig: c.tlsConfig,
		Store:     c.store,
		Auth: chatservice.BasicAuth{
			Username: fmt.Sprintf("%s.%d", c.acct.ACI, c.acct.DeviceID),
			Password: c.acct.Password,
		},
		LocalACI:      c.acct.ACI,
		LocalDevice:   c.acct.DeviceID,
		TrustRoot:     c.trustRoot,
		Sink:          (*clientSink)(c),
		Logger:        c.logger,
		SendCacheSize: c.sendCacheSize,
		MaxResendAge:  c.maxResendAge,
	})
}

// Connect starts the supervised connection. State transitions arrive on
// Lifecycle.
func (c *Client) Connect() error {
	if c.service == nil {
		return errors.New("chatwire: not loaded (call CreateAccount or Load first)")
	}
	c.service.Connect()
	return nil
}

// Close tears down the connection and the database.
func (c *Client) Close() error {
	var errService error
	if c.service != nil {
		errService = c.service.Close()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			return err
		}
	}
	return errService
}

// ACI returns the local account identity.
func (c *Client) ACI() string {
	if c.acct == nil {
		return ""
	}
	return c.acct.ACI
}

// DeviceID returns the local device number.
func (c *Client) DeviceID() uint32 {
	if c.acct == nil {
		return 0
	}
	return c.acct.DeviceID
}

// Send sends a text message to a recipient identity. It returns the
// message timestamp, which identifies the message in receipts and retry
// traffic.
func (c *Client) Send(ctx context.Context, recipient, text string) (uint64, error) {
	if c.service == nil {
		return 0, errors.New("chatwire: not loaded")
	}
	return c.service.Send(ctx, recipient, text)
}

// SendGroup sends a text message to a group known to the local store,
// identified by its hex group ID.
func (c *Client) SendGroup(ctx context.Context, groupID, text string) (uint64, error) {
	if c.service == nil {
		return 0, errors.New("chatwire: not loaded")
	}
	masterKey, err := c.masterKeyFor(groupID)
	if err != nil {
		return 0, err
	}
	return c.service.SendGroup(ctx, masterKey, text)
}

// JoinGroup fetches and stores the group for a master key, making it
// usable with SendGroup.
func (c *Client) JoinGroup(ctx context.Context, masterKeyHex string) (*groups.Group, error) {
	if c.service == nil {
		return nil, errors.New("chatwire: not loaded")
	}
	raw, err := hex.DecodeString(masterKeyHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("chatwire: master key must be 64 hex chars")
	}
	var masterKey wirecrypto.GroupMasterKey
	copy(masterKey[:], raw)
	return c.service.FetchGroup(ctx, masterKey)
}

// UpdateGroup pushes a group change through conflict resolution. The
// returned change is what the server accepted; nil means everything was
// already true.
func (c *Client) UpdateGroup(ctx context.Context, groupID string, change *groups.GroupChange) (*groups.GroupChange, error) {
	if c.service == nil {
		return nil, errors.New("chatwire: not loaded")
	}
	masterKey, err := c.masterKeyFor(groupID)
	if err != nil {
		return nil, err
	}
	return c.service.UpdateGroup(ctx, masterKey, change)
}

// Groups returns all groups this device knows about.
func (c *Client) Groups() ([]*Group, error) {
	if c.store == nil {
		return nil, errors.New("chatwire: not loaded")
	}
	return c.store.GetAllGroups()
}

// GetGroup returns group details by hex group ID, nil if unknown.
func (c *Client) GetGroup(groupID string) (*Group, error) {
	if c.store == nil {
		return nil, errors.New("chatwire: not loaded")
	}
	return c.store.GetGroup(groupID)
}

func (c *Client) masterKeyFor(groupID string) (wirecrypto.GroupMasterKey, error) {
	var masterKey wirecrypto.GroupMasterKey
	g, err := c.store.GetGroup(groupID)
	if err != nil {
		return masterKey, err
	}
	if g == nil {
		return masterKey, fmt.Errorf("chatwire: unknown group %s", groupID)
	}
	if len(g.MasterKey) != len(masterKey) {
		return masterKey, fmt.Errorf("chatwire: malformed master key for group %s", groupID)
	}
	copy(masterKey[:], g.MasterKey)
	return masterKey, nil
}

// Receive yields incoming messages until the context is cancelled or the
// caller breaks. Decryption failures are yielded as errors; the retry
// machinery has already acted on them.
func (c *Client) Receive(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		if c.service == nil {
			yield(Message{}, errors.New("chatwire: not loaded"))
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case res := <-c.events:
				msg, err, ok := convertResult(res)
				if !ok {
					continue
				}
				if !yield(msg, err) {
					return
				}
			}
		}
	}
}

// Lifecycle exposes connection state transitions, including the terminal
// logged-out and fatal states.
func (c *Client) Lifecycle() <-chan StatusEvent {
	return c.lifecycle
}

// convertResult maps a pipeline result to the public message type. Results
// that carry no application-visible payload report ok=false.
func convertResult(res *chatservice.DecryptionResult) (Message, error, bool) {
	if res.Err != nil {
		if errors.Is(res.Err, chatservice.ErrDuplicate) {
			return Message{}, nil, false
		}
		return Message{}, res.Err, true
	}
	if res.Receipt {
		return Message{
			Sender:    res.Sender.ACI,
			Device:    res.Sender.Device,
			Timestamp: res.Timestamp,
			Receipt:   true,
		}, nil, true
	}
	dm := res.Content.DataMessage
	if dm == nil {
		return Message{}, nil, false
	}
	msg := Message{
		Sender:      res.Sender.ACI,
		Device:      res.Sender.Device,
		Body:        dm.Body,
		Timestamp:   dm.Timestamp,
		ExpireTimer: dm.ExpireTimer,
	}
	if dm.Group != nil {
		if params, err := deriveGroupID(dm.Group.MasterKey); err == nil {
			msg.GroupID = params
		}
	}
	return msg, nil, true
}

func deriveGroupID(masterKey []byte) (string, error) {
	if len(masterKey) != 32 {
		return "", errors.New("chatwire: bad master key length")
	}
	var mk wirecrypto.GroupMasterKey
	copy(mk[:], masterKey)
	params, err := wirecrypto.DeriveSecretParams(mk)
	if err != nil {
		return "", err
	}
	id := params.GroupID()
	return hex.EncodeToString(id[:]), nil
}

// clientSink adapts the Client's channels to the service sink interface.
type clientSink Client

func (s *clientSink) Event(res *chatservice.DecryptionResult) {
	select {
	case s.events <- res:
	default:
		s.logger.Warn("event buffer full, dropping result")
	}
}

func (s *clientSink) Lifecycle(ev chatws.StatusEvent) {
	select {
	case s.lifecycle <- ev:
	default:
	}
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("chatwire: generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// randomRegistrationID returns an id in the 14-bit range the server
// expects.
func randomRegistrationID() uint32 {
	var buf [4]byte
	rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])%16383 + 1
}
