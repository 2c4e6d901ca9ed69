// Package chatservice is the client core: it owns the socket, routes
// incoming envelopes through the decryption pipeline, coordinates retries
// for undecryptable messages, and keeps group state current.
package chatservice

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/chatwire/internal/chatws"
	"github.com/gwillem/chatwire/internal/groups"
	"github.com/gwillem/chatwire/internal/sendcache"
	"github.com/gwillem/chatwire/internal/store"
	"github.com/gwillem/chatwire/internal/wire"
	"github.com/gwillem/chatwire/internal/wirecrypto"
)

// BasicAuth holds the credentials for the authenticated socket.
type BasicAuth struct {
	Username string // "aci.deviceID"
	Password string
}

// Sink receives decrypted events and connection lifecycle transitions.
// Implementations must not block; slow consumers should buffer internally.
type Sink interface {
	Event(res *DecryptionResult)
	Lifecycle(ev chatws.StatusEvent)
}

const defaultMaxResendAge = 24 * time.Hour

// Config holds what a Service needs to operate.
type Config struct {
	WSURL       string
	TLSConfig   *tls.Config
	Store       *store.Store
	Auth        BasicAuth
	LocalACI    string
	LocalDevice uint32
	TrustRoot   ed25519.PublicKey
	Sink        Sink
	Logger      logrus.FieldLogger

	// SendCacheSize bounds the resend cache; 0 means the default.
	SendCacheSize int
	// MaxResendAge is the oldest retry request still answered with cached
	// content; 0 means 24h.
	MaxResendAge time.Duration
}

// Service composes the store, transport, group cache, and send cache into
// the client core.
type Service struct {
	store       *store.Store
	socket      *chatws.Socket
	cache       *groups.Cache
	sent        *sendcache.Cache
	sink        Sink
	log         logrus.FieldLogger
	trustRoot   ed25519.PublicKey
	localACI    string
	localDevice uint32

	maxResendAge time.Duration

	// cryptoMu is the single encryption lock: every session decrypt,
	// encrypt, and archive runs under it, so a retry-triggered archive
	// cannot race a concurrent incoming message.
	cryptoMu sync.Mutex

	// certMu guards the cached sealed-sender certificate.
	certMu sync.Mutex
	cert   *wirecrypto.SenderCertificate
}

// New builds a Service. The socket is not started until Connect.
func New(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Service{
		store:        cfg.Store,
		cache:        groups.NewCache(),
		sent:         sendcache.New(cfg.SendCacheSize),
		sink:         cfg.Sink,
		log:          log,
		trustRoot:    cfg.TrustRoot,
		localACI:     cfg.LocalACI,
		localDevice:  cfg.LocalDevice,
		maxResendAge: cfg.MaxResendAge,
	}
	if s.maxResendAge <= 0 {
		s.maxResendAge = defaultMaxResendAge
	}
	if cfg.WSURL != "" {
		s.socket = chatws.New(cfg.WSURL,
			chatws.WithTLSConfig(cfg.TLSConfig),
			chatws.WithHeaders(buildSocketHeaders(cfg.Auth)),
			chatws.WithHandler(s.handleServerRequest),
			chatws.WithStatusListener(s.handleStatus),
			chatws.WithLogger(log),
		)
	}
	return s
}

// Connect starts the supervised socket. Connection state arrives through
// the sink's Lifecycle method.
func (s *Service) Connect() {
	if s.socket != nil {
		s.socket.Start()
	}
}

// Close tears down the socket. The store is owned by the caller.
func (s *Service) Close() error {
	if s.socket != nil {
		return s.socket.Close()
	}
	return nil
}

// Groups returns the group snapshot cache.
func (s *Service) Groups() *groups.Cache {
	return s.cache
}

func (s *Service) handleStatus(ev chatws.StatusEvent) {
	if s.sink != nil {
		s.sink.Lifecycle(ev)
	}
}

// handleServerRequest routes server-initiated requests: message deliveries
// go through the pipeline, everything else is ACKed and dropped.
func (s *Service) handleServerRequest(ctx context.Context, req *wire.Request, respond func(uint32, string) error) {
	if req.Verb != "PUT" || req.Path != "/api/v1/message" {
		s.log.WithFields(logrus.Fields{"verb": req.Verb, "path": req.Path}).Debug("ignoring server request")
		if err := respond(200, "OK"); err != nil {
			s.log.WithError(err).Debug("ack failed")
		}
		return
	}

	res := s.ProcessEnvelope(ctx, req.Body)

	// ACK in all cases: the durable event buffer, not server redelivery,
	// is what guarantees at-least-once processing survives a crash.
	if err := respond(200, "OK"); err != nil {
		s.log.WithError(err).Debug("ack failed")
	}

	s.dispatch(ctx, res)
}

// dispatch reacts to a pipeline result: retry reports are sent or handled,
// group and distribution metadata is absorbed, and the event goes to the
// sink.
func (s *Service) dispatch(ctx context.Context, res *DecryptionResult) {
	if res == nil {
		return
	}

	if res.Err != nil {
		if res.Retriable {
			if err := s.sendRetryReport(ctx, res); err != nil {
				s.log.WithError(err).Warn("send retry report")
			}
		}
	} else if res.Content != nil {
		if rep := res.Content.DecryptionError; rep != nil {
			if err := s.handleRetryReport(ctx, res.Sender, rep); err != nil {
				s.log.WithError(err).Warn("handle retry report")
			}
		}
		if skd := res.Content.SenderKeyDistribution; skd != nil {
			if err := s.installSenderKey(res.Sender, skd); err != nil {
				s.log.WithError(err).Warn("install sender key")
			}
		}
		if dm := res.Content.DataMessage; dm != nil {
			s.absorbDataMessage(ctx, res.Sender, dm)
		}
	}

	if s.sink != nil {
		s.sink.Event(res)
	}
}

// absorbDataMessage persists profile keys and applies group context carried
// by an incoming message.
func (s *Service) absorbDataMessage(ctx context.Context, sender wire.Address, dm *wire.DataMessage) {
	if len(dm.ProfileKey) > 0 {
		if err := s.store.SavePeerProfileKey(sender.ACI, dm.ProfileKey); err != nil {
			s.log.WithError(err).Warn("save profile key")
		}
	}
	if dm.Group != nil {
		if err := s.applyGroupContext(ctx, dm.Group); err != nil {
			s.log.WithError(err).Warn("apply group context")
		}
	}
}

func buildSocketHeaders(auth BasicAuth) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(
		[]byte(auth.Username+":"+auth.Password)))
	h.Set("X-Chatwire-Agent", "chatwire")
	return h
}
