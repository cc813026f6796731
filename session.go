// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Receive buffer limits.
const (
	DefaultMaxBufferSize = 30 * 1000 * 1024
	readChunkSize        = 64 * 1024
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// Logger receives session diagnostics. Defaults to NoOpLogger.
	Logger Logger

	// Metrics receives traffic counters. Defaults to NoOpMetrics.
	Metrics MetricsCollector

	// AuthRegistry supplies authenticators. Defaults to NewAuthRegistry().
	AuthRegistry *AuthRegistry

	// Role selects viewer or virtual-media behaviour.
	Role Role

	// Channel is the appliance channel number sent in the security path.
	Channel int

	// Media is the local image or drive offered on a VM session.
	Media *MediaDescriptor

	// DiskOpener opens Media at link time. Defaults to OpenDisk.
	DiskOpener DiskOpener

	// VideoDecoder and AudioDecoder are optional codec collaborators.
	VideoDecoder VideoDecoder
	AudioDecoder AudioDecoder

	// Credentials, when set, answer an auth request without raising
	// EventRequireAuth.
	Credentials *Credentials

	// EventHandler and EventCh receive session events.
	EventHandler EventHandler
	EventCh      chan<- Event

	// ConnectTimeout bounds Dial. IdleTimeout drives keep-alives and the VM
	// idle notifications. WriteTimeout bounds each write when the transport
	// supports write deadlines.
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration

	// MaxBufferSize caps the bytes buffered while waiting for a record.
	MaxBufferSize int
}

// SessionOption represents a functional option for configuring a Session.
type SessionOption func(*SessionConfig)

// WithLogger sets the logger for the session.
func WithLogger(logger Logger) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.Logger = logger
	}
}

// WithMetrics sets the metrics collector for the session.
func WithMetrics(metrics MetricsCollector) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.Metrics = metrics
	}
}

// WithAuthRegistry sets a custom authentication registry.
func WithAuthRegistry(registry *AuthRegistry) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.AuthRegistry = registry
	}
}

// WithRole sets the session role.
func WithRole(role Role) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.Role = role
	}
}

// WithChannel sets the appliance channel to open.
func WithChannel(channel int) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.Channel = channel
	}
}

// WithMedia sets the media exposed on a VM session.
func WithMedia(media MediaDescriptor) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.Media = &media
	}
}

// WithDiskOpener replaces OpenDisk, typically with an in-memory backend in tests.
func WithDiskOpener(opener DiskOpener) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.DiskOpener = opener
	}
}

// WithVideoDecoder sets the video codec collaborator.
func WithVideoDecoder(decoder VideoDecoder) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.VideoDecoder = decoder
	}
}

// WithAudioDecoder sets the audio codec collaborator.
func WithAudioDecoder(decoder AudioDecoder) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.AudioDecoder = decoder
	}
}

// WithCredentials answers auth requests automatically.
func WithCredentials(account, password string) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.Credentials = &Credentials{Account: account, Password: password}
	}
}

// WithEventHandler sets the handler that receives session events.
func WithEventHandler(handler EventHandler) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.EventHandler = handler
	}
}

// WithEventChannel delivers session events on ch. The channel should be
// buffered because the read loop waits for room.
func WithEventChannel(ch chan<- Event) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.EventCh = ch
	}
}

// WithConnectTimeout sets the timeout used by Dial.
func WithConnectTimeout(timeout time.Duration) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.ConnectTimeout = timeout
	}
}

// WithIdleTimeout sets the reader and writer idle period.
func WithIdleTimeout(timeout time.Duration) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.IdleTimeout = timeout
	}
}

// WithWriteTimeout sets the per-write deadline.
func WithWriteTimeout(timeout time.Duration) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.WriteTimeout = timeout
	}
}

// WithMaxBufferSize caps the receive buffer.
func WithMaxBufferSize(size int) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.MaxBufferSize = size
	}
}

func newSessionConfig(options []SessionOption) SessionConfig {
	cfg := SessionConfig{
		ConnectTimeout: DefaultConnectTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		MaxBufferSize:  DefaultMaxBufferSize,
	}
	for _, option := range options {
		option(&cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = &NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoOpMetrics{}
	}
	if cfg.AuthRegistry == nil {
		cfg.AuthRegistry = NewAuthRegistry()
		cfg.AuthRegistry.SetLogger(cfg.Logger)
	}
	if cfg.DiskOpener == nil {
		cfg.DiskOpener = OpenDisk
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	return cfg
}

func (cfg *SessionConfig) validate() error {
	const op = "SessionConfig.validate"
	if cfg.Channel < 0 || cfg.Channel >= MaxChannels {
		return configurationError(op, fmt.Sprintf("channel %d out of range 0-%d", cfg.Channel, MaxChannels-1), nil)
	}
	if cfg.IdleTimeout < 0 || cfg.WriteTimeout < 0 || cfg.ConnectTimeout < 0 {
		return configurationError(op, "timeouts must not be negative", nil)
	}
	if cfg.Role != RoleViewer && cfg.Role != RoleVM {
		return configurationError(op, fmt.Sprintf("unknown role %d", cfg.Role), nil)
	}
	return nil
}

// Session is one client connection to a KVM appliance. It drives the
// handshake, dispatches normal-stage messages and serializes writes.
// Write methods are safe for concurrent use.
type Session struct {
	cfg       SessionConfig
	id        uuid.UUID
	logger    Logger
	metrics   MetricsCollector
	registry  *AuthRegistry
	transport Transport

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
	// writeMark is the time of the last write or writer-idle notification.
	writeMark atomic.Int64

	mu    sync.RWMutex
	stage Stage
	sctx  *SessionContext
	creds Credentials
	auth  Authenticator
	disk  DiskBackend

	videoMu sync.Mutex
	video   *VideoAssembler

	seg Segmenter
	buf []byte

	started   atomic.Bool
	destroyed atomic.Bool
	closed    atomic.Bool
	reason    atomic.Value
}

// NewSession creates a session over transport. Call Run to start it.
func NewSession(transport Transport, options ...SessionOption) *Session {
	cfg := newSessionConfig(options)
	sctx := newSessionContext(cfg.Role, cfg.Channel)
	if cfg.Media != nil {
		media := *cfg.Media
		sctx.Media = &media
	}
	if remote, ok := transport.(interface{ RemoteAddr() net.Addr }); ok {
		sctx.IP, sctx.Port = splitAddr(remote.RemoteAddr())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		id:        sctx.ID,
		logger:    cfg.Logger.With(Field{Key: "session", Value: sctx.ID.String()}),
		metrics:   cfg.Metrics,
		registry:  cfg.AuthRegistry,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		stage:     StageProtocolVersion,
		sctx:      sctx,
		video:     NewVideoAssembler(),
	}
	s.writeMark.Store(time.Now().UnixNano())
	return s
}

// Dial connects to addr, which defaults to port 5900, sends the protocol
// version and runs the session in the background until it closes or ctx ends.
func Dial(ctx context.Context, addr string, options ...SessionOption) (*Session, error) {
	cfg := newSessionConfig(options)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	conn, err := dialTransport(ctx, withDefaultPort(addr), cfg.ConnectTimeout)
	if err != nil {
		cfg.Logger.Error("Failed to connect", Field{Key: "addr", Value: addr}, Field{Key: "error", Value: err})
		return nil, err
	}

	s := NewSession(conn, options...)
	s.started.Store(true)
	if err := s.start(); err != nil {
		return nil, err
	}
	go func() {
		_ = s.serve(ctx)
	}()
	return s, nil
}

// Run sends the protocol version and processes inbound data until the
// session closes or ctx is cancelled. A nil error means an orderly close.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return protocolViolation("Session.Run", "session already started", nil)
	}
	if err := s.cfg.validate(); err != nil {
		s.GracefulClose(err.Error())
		return err
	}
	if err := s.start(); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Session) start() error {
	s.metrics.Counter(MetricSessionsOpened, 1, "role", s.cfg.Role.String())
	s.logger.Info("Session connected",
		Field{Key: "role", Value: s.cfg.Role},
		Field{Key: "channel", Value: s.cfg.Channel})
	s.emit(EventConnected, nil)

	if err := s.write("Session.writeProtocolVersion", Version38.Bytes()); err != nil {
		s.GracefulClose("failed to send protocol version")
		return err
	}
	return nil
}

func (s *Session) serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.GracefulClose("context cancelled")
	})
	defer stop()

	chunk := make([]byte, readChunkSize)
	for {
		if idle := s.cfg.IdleTimeout; idle > 0 {
			_ = s.transport.SetReadDeadline(time.Now().Add(idle))
		}

		n, err := s.transport.Read(chunk)
		if n > 0 {
			if ferr := s.feed(chunk[:n]); ferr != nil {
				s.fail(ferr)
				return ferr
			}
		}

		if err != nil {
			if isTimeout(err) {
				s.onReaderIdle()
				s.checkWriterIdle()
				continue
			}
			if s.closed.Load() {
				return nil
			}
			if isClosed(err) {
				s.GracefulClose("connection closed by remote")
				return nil
			}
			s.GracefulClose(fmt.Sprintf("read failed: %v", err))
			return networkError("Session.Run", "read failed", err)
		}

		s.checkWriterIdle()
	}
}

// fail reports a processing error and closes the session.
func (s *Session) fail(err error) {
	if IsKVMError(err, ErrAuthFailed) {
		s.GracefulClose(err.Error())
		return
	}

	s.metrics.Counter(MetricProtocolErrors, 1, "code", GetErrorCode(err).String())
	s.logger.Error("Protocol error", Field{Key: "stage", Value: s.Stage()}, Field{Key: "error", Value: err})
	s.emitEvent(Event{Kind: EventProtocolError, Message: err.Error(), Err: err})
	s.GracefulClose(err.Error())
}

// feed appends p to the receive buffer and handles every complete record.
func (s *Session) feed(p []byte) error {
	s.buf = append(s.buf, p...)
	s.mu.Lock()
	s.sctx.FlowIn += uint64(len(p))
	s.mu.Unlock()
	s.metrics.Counter(MetricBytesRead, float64(len(p)))

	if len(s.buf) > s.cfg.MaxBufferSize {
		return malformedError("Session.feed",
			fmt.Sprintf("receive buffer %d exceeds %d bytes", len(s.buf), s.cfg.MaxBufferSize), nil)
	}

	consumed := 0
	for consumed < len(s.buf) {
		stage := s.Stage()
		if stage == StageInvalid {
			consumed = len(s.buf)
			break
		}

		n, err := s.seg.Next(stage, s.buf[consumed:])
		if err != nil {
			if IsIncomplete(err) {
				break
			}
			return err
		}

		record := s.buf[consumed : consumed+n]
		consumed += n
		if err := s.handle(stage, record); err != nil {
			return err
		}
	}

	s.buf = s.buf[:copy(s.buf, s.buf[consumed:])]
	s.metrics.Gauge(MetricBufferedBytes, float64(len(s.buf)))
	return nil
}

func (s *Session) handle(stage Stage, record []byte) error {
	switch stage {
	case StageProtocolVersion:
		return s.readProtocolVersion(record)
	case StageSecurityTypes:
		return s.readSecurityTypes(record)
	case StageCentralizeTypes:
		return s.readCentralizeTypes(record)
	case StageSecurity:
		return s.readSecurity(record)
	case StageSecurityResult:
		return s.readSecurityResult(record)
	case StageInitialisation:
		return s.readInitialisation(record)
	case StageNormal:
		return s.readNormal(record)
	default:
		return protocolViolation("Session.handle", fmt.Sprintf("unexpected message in stage %s", stage), nil)
	}
}

func (s *Session) readProtocolVersion(record []byte) error {
	version, err := ParseVersion(record)
	if err != nil {
		return err
	}
	device, err := ParseDeviceBlock(record)
	if err != nil {
		return err
	}

	s.logger.Debug("Received protocol version",
		Field{Key: "version", Value: version.String()},
		Field{Key: "device_type", Value: device.Type},
		Field{Key: "device_id", Value: device.ID},
		Field{Key: "channels", Value: device.ChannelCount})

	s.mu.Lock()
	s.sctx.Device = device
	s.mu.Unlock()
	s.setStage(StageSecurityTypes)

	s.emit(EventDevice, device)
	s.emit(EventVersion, version)

	size, _ := DeviceBlockLength(record)
	if len(record) > size {
		return s.readSecurityTypes(record[size:])
	}
	return nil
}

func (s *Session) readSecurityTypes(record []byte) error {
	offer, err := ParseSecurityOffer(record)
	if err != nil {
		return err
	}
	s.logger.Debug("Received security types", Field{Key: "types", Value: offer.Types})

	selected, err := s.registry.SelectOffered(offer)
	if err != nil {
		return protocolViolation("Session.readSecurityTypes", "authentication method not supported", err)
	}

	switch {
	case selected == SecurityNone:
		return s.submitCredentials(SecurityNone, Credentials{})
	case s.cfg.Credentials != nil:
		return s.submitCredentials(selected, *s.cfg.Credentials)
	case s.cfg.EventHandler == nil && s.cfg.EventCh == nil:
		return protocolViolation("Session.readSecurityTypes", "no authentication handler registered", nil)
	}

	s.emit(EventRequireAuth, AuthRequest{Offer: offer, Selected: selected})
	return nil
}

// SubmitCredentials answers EventRequireAuth. It writes the security type,
// the account block for CentralizeAuth and the security path selecting the
// configured channel.
func (s *Session) SubmitCredentials(securityType SecurityType, account, password string) error {
	return s.submitCredentials(securityType, Credentials{Account: account, Password: password})
}

func (s *Session) submitCredentials(securityType SecurityType, creds Credentials) error {
	const op = "Session.SubmitCredentials"
	if stage := s.Stage(); stage != StageSecurityTypes {
		return protocolViolation(op, fmt.Sprintf("credentials not expected in stage %s", stage), nil)
	}

	validator := newInputValidator()
	if err := validator.ValidateAccount(creds.Account); err != nil {
		return err
	}
	if err := validator.ValidateChannelNumber(s.cfg.Channel); err != nil {
		return err
	}

	auth, err := s.registry.CreateAuth(securityType)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.auth = auth
	s.creds = creds
	s.sctx.SecurityType = securityType
	s.mu.Unlock()

	s.logger.Debug("Submitting credentials",
		Field{Key: "security_type", Value: securityType},
		Field{Key: "account", Value: creds.Account})

	if err := s.write(op, EncodeSecurityType(securityType)); err != nil {
		return err
	}

	next := StageSecurity
	switch securityType {
	case SecurityCentralize:
		if err := s.write(op, EncodeUserAccount(creds.Account)); err != nil {
			return err
		}
		next = StageCentralizeTypes
	case SecurityNone:
		next = StageSecurityResult
	}

	// The reply to the path may be read before write returns.
	s.setStage(next)
	return s.write(op, EncodeSecurityPath(s.cfg.Channel))
}

func (s *Session) readCentralizeTypes(record []byte) error {
	if len(record) == SecurityChallengeLength {
		return s.readSecurity(record)
	}

	subtype := SecurityType(record[0])
	s.logger.Debug("Received centralize security type", Field{Key: "type", Value: subtype})

	switch subtype {
	case SecurityNone:
		s.setStage(StageSecurityResult)
	case SecurityVNCAuth:
		s.mu.Lock()
		s.sctx.SecurityType = SecurityVNCAuth
		s.mu.Unlock()
		s.setStage(StageSecurity)
	default:
		return protocolViolation("Session.readCentralizeTypes",
			fmt.Sprintf("centralize sub-type %s not supported", subtype), nil)
	}
	return nil
}

func (s *Session) readSecurity(record []byte) error {
	s.mu.Lock()
	auth, creds := s.auth, s.creds
	s.creds.Password = ""
	s.mu.Unlock()

	if auth == nil {
		return protocolViolation("Session.readSecurity", "challenge received before credentials", nil)
	}

	response, err := auth.Respond(record, creds)
	if err != nil {
		return err
	}

	s.setStage(StageSecurityResult)
	if len(response) == 0 {
		return nil
	}
	return s.write("Session.writeSecurityResponse", response)
}

func (s *Session) readSecurityResult(record []byte) error {
	outcome, err := ParseAuthResult(record)
	if err != nil {
		return err
	}

	if !outcome.Success {
		s.logger.Warn("Authentication failed", Field{Key: "message", Value: outcome.Message})
		s.emit(EventAuthFailed, outcome.Message)
		return authFailedError("Session.readSecurityResult", outcome.Message, nil)
	}

	s.logger.Info("Authentication succeeded")
	s.emit(EventAuthSuccess, nil)
	s.setStage(StageInitialisation)
	return s.write("Session.writeShareFlag", []byte{ShareFlag})
}

func (s *Session) readInitialisation(record []byte) error {
	init, err := ParseServerInit(record)
	if err != nil {
		return err
	}

	info := ImageInfo{Width: init.Width, Height: init.Height}
	if err := newInputValidator().ValidateImageDimensions(info.Width, info.Height); err != nil {
		s.logger.Warn("Appliance reported unusual screen size", Field{Key: "error", Value: err})
	}
	s.logger.Info("Session initialised",
		Field{Key: "width", Value: info.Width},
		Field{Key: "height", Value: info.Height},
		Field{Key: "name", Value: newInputValidator().SanitizeText(init.Name)})

	s.videoMu.Lock()
	s.video.Reset(info)
	s.videoMu.Unlock()
	s.mu.Lock()
	s.sctx.Image = info
	s.mu.Unlock()

	s.emit(EventImageInfo, info)
	s.setStage(StageNormal)
	s.emit(EventAfterInitialisation, nil)
	return nil
}

func (s *Session) readNormal(record []byte) error {
	t := ReadType(record[0])
	s.metrics.Counter(MetricMessagesReceived, 1, "type", t.String())

	switch t {
	case ReadFrameBufferUpdate:
		return s.readFrameBufferUpdate(record)
	case ReadSetColourMapEntries, ReadBell, ReadServerCutText, ReadVideoLevel:
		s.logger.Debug("Ignoring message", Field{Key: "type", Value: t}, Field{Key: "length", Value: len(record)})
	case ReadAudioBufferUpdate:
		return s.readAudio(record)
	case ReadVMRead:
		s.readVMRead(record)
	case ReadVMWrite:
		s.readVMWrite(record)
	case ReadVideoParam:
		p, err := ParseVideoParam(record)
		if err != nil {
			return err
		}
		s.emit(EventVideoParam, p)
	case ReadKeyStatus:
		status, err := ParseKeyLockStatus(record)
		if err != nil {
			return err
		}
		s.emit(EventKeyStatus, status)
	case ReadDeviceInfo:
		device, err := ParseDeviceInfo(record)
		if err != nil {
			return err
		}
		s.emit(EventDevice, device)
	case ReadAudioParam:
		p, err := ParseAudioParam(record)
		if err != nil {
			return err
		}
		s.emit(EventAudioParam, p)
	case ReadMouseType:
		m, err := ParseMouseType(record)
		if err != nil {
			return err
		}
		s.emit(EventMouseType, m)
	case ReadBroadcastStatus:
		status, err := ParseBroadcastStatus(record)
		if err != nil {
			return err
		}
		s.emit(EventBroadcastStatus, status)
	case ReadBroadcastSetStatus:
		result, err := ParseBroadcastSetResult(record)
		if err != nil {
			return err
		}
		s.emit(EventBroadcastSet, result)
	default:
		s.logger.Warn("Unknown message type", Field{Key: "type", Value: uint8(t)}, Field{Key: "length", Value: len(record)})
	}
	return nil
}

func (s *Session) readFrameBufferUpdate(record []byte) error {
	if len(record) <= headerLength {
		return nil
	}
	if record[3] > videoSubtypeWithImage {
		s.logger.Warn("Unknown frame buffer subtype", Field{Key: "subtype", Value: record[3]})
		return nil
	}

	s.videoMu.Lock()
	frame, err := s.video.Parse(record)
	s.videoMu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sctx.FrameFlow++
	s.sctx.Image = frame.Image
	if frame.HasStream() && !s.sctx.EncodingKnown {
		s.sctx.Encoding = frame.Encoding
		s.sctx.EncodingKnown = true
	}
	s.mu.Unlock()

	if frame.ResolutionChanged {
		s.logger.Info("Resolution changed",
			Field{Key: "width", Value: frame.Image.Width},
			Field{Key: "height", Value: frame.Image.Height})
		s.emit(EventImageInfoChanged, frame.Image)
	}
	if !frame.HasStream() {
		return nil
	}

	s.metrics.Counter(MetricVideoFrames, 1, "encoding", frame.Encoding.String())
	s.metrics.Histogram(MetricVideoPayloadBytes, float64(len(frame.Payload)))
	s.emit(EventVideoFrame, frame)

	if s.cfg.VideoDecoder != nil {
		img, err := s.cfg.VideoDecoder.DecodeVideo(frame.Encoding, frame.Payload)
		if err != nil {
			s.logger.Warn("Video decode failed", Field{Key: "error", Value: err})
			return nil
		}
		if img != nil {
			s.emit(EventDecodedFrame, img)
		}
	}
	return nil
}

func (s *Session) readAudio(record []byte) error {
	var deviceType uint8
	s.mu.RLock()
	if s.sctx.Device != nil {
		deviceType = s.sctx.Device.Type
	}
	s.mu.RUnlock()

	frame, err := ParseAudioFrame(deviceType, record)
	if err != nil {
		return err
	}
	s.metrics.Counter(MetricAudioFrames, 1, "family", frame.Family.String())

	if s.cfg.AudioDecoder != nil {
		pcm, err := s.cfg.AudioDecoder.DecodeAudio(frame.Family, frame.Payload)
		if err != nil {
			s.logger.Warn("Audio decode failed", Field{Key: "error", Value: err})
			return nil
		}
		frame.PCM = pcm
	}
	s.emit(EventAudio, frame)
	return nil
}

func (s *Session) readVMRead(record []byte) {
	req, err := ParseVMReadRequest(record)
	if err != nil {
		s.logger.Warn("Malformed VM read request", Field{Key: "error", Value: err})
		return
	}
	s.logger.Debug("VM read", Field{Key: "offset", Value: req.Offset}, Field{Key: "count", Value: req.Count})

	s.mu.RLock()
	disk := s.disk
	s.mu.RUnlock()
	if disk == nil {
		s.logger.Error("VM read without linked media", Field{Key: "error", Value: backendError("Session.readVMRead", "no disk backend", nil)})
		return
	}

	data := make([]byte, req.Count)
	if _, err := disk.ReadAt(data, int64(req.Offset)); err != nil {
		s.logger.Error("VM read failed",
			Field{Key: "offset", Value: req.Offset},
			Field{Key: "error", Value: backendError("Session.readVMRead", "backend read failed", err)})
		return
	}

	if err := s.write("Session.writeVMData", EncodeVMReadReply(req.Count, data)); err != nil {
		s.logger.Error("Failed to send VM data", Field{Key: "error", Value: err})
		return
	}
	if err := s.WriteKeepAlive(); err != nil {
		s.logger.Warn("Failed to send keep-alive", Field{Key: "error", Value: err})
	}

	s.mu.Lock()
	s.sctx.ReadByteCount += uint64(req.Count) // #nosec G115 - count is at most 65536
	snap := s.sctx.Snapshot()
	s.mu.Unlock()
	s.metrics.Counter(MetricVMReadBytes, float64(req.Count))

	s.emit(EventRefreshVMContext, snap)
	s.emit(EventVMReadStarting, nil)
}

func (s *Session) readVMWrite(record []byte) {
	s.emit(EventVMWriteStarting, nil)

	req, err := ParseVMWriteRequest(record)
	if err != nil {
		s.logger.Warn("Malformed VM write request", Field{Key: "error", Value: err})
		return
	}
	s.logger.Debug("VM write", Field{Key: "offset", Value: req.Offset}, Field{Key: "count", Value: len(req.Data)})

	s.mu.RLock()
	disk := s.disk
	s.mu.RUnlock()
	switch {
	case disk == nil:
		s.logger.Error("VM write without linked media", Field{Key: "error", Value: backendError("Session.readVMWrite", "no disk backend", nil)})
	default:
		if _, err := disk.WriteAt(req.Data, int64(req.Offset)); err != nil {
			s.logger.Error("VM write failed",
				Field{Key: "offset", Value: req.Offset},
				Field{Key: "error", Value: backendError("Session.readVMWrite", "backend write failed", err)})
		}
	}

	s.mu.Lock()
	s.sctx.WriteByteCount += uint64(len(req.Data))
	snap := s.sctx.Snapshot()
	s.mu.Unlock()
	s.metrics.Counter(MetricVMWriteBytes, float64(len(req.Data)))

	s.emit(EventRefreshVMContext, snap)
}

func (s *Session) onReaderIdle() {
	if s.cfg.Role == RoleVM {
		s.emit(EventVMReadEnd, nil)
	}
}

func (s *Session) checkWriterIdle() {
	idle := s.cfg.IdleTimeout
	if idle <= 0 || s.closed.Load() {
		return
	}
	if time.Since(time.Unix(0, s.writeMark.Load())) < idle {
		return
	}

	s.writeMark.Store(time.Now().UnixNano())
	if s.cfg.Role == RoleVM {
		s.emit(EventVMWriteEnd, nil)
		return
	}
	if err := s.WriteKeepAlive(); err != nil {
		s.logger.Warn("Failed to send keep-alive", Field{Key: "error", Value: err})
	}
}

func (s *Session) emit(kind EventKind, data any) {
	s.emitEvent(Event{Kind: kind, Data: data})
}

func (s *Session) emitEvent(ev Event) {
	ev.SessionID = s.id
	ev.Time = time.Now()

	if s.cfg.EventHandler != nil {
		s.cfg.EventHandler.HandleEvent(s, ev)
	}
	if s.cfg.EventCh == nil {
		return
	}

	select {
	case s.cfg.EventCh <- ev:
		return
	default:
	}
	select {
	case s.cfg.EventCh <- ev:
	case <-s.ctx.Done():
		s.logger.Debug("Dropping event after close", Field{Key: "kind", Value: ev.Kind})
	}
}

// Destroy releases decoders and, on a VM session, closes the disk and tells
// the appliance the media is gone. Only the first call has any effect.
func (s *Session) Destroy() {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}

	if s.cfg.VideoDecoder != nil {
		if err := s.cfg.VideoDecoder.Close(); err != nil {
			s.logger.Warn("Failed to close video decoder", Field{Key: "error", Value: err})
		}
	}
	if s.cfg.AudioDecoder != nil {
		if err := s.cfg.AudioDecoder.Close(); err != nil {
			s.logger.Warn("Failed to close audio decoder", Field{Key: "error", Value: err})
		}
	}

	if s.cfg.Role == RoleVM {
		s.mu.Lock()
		disk := s.disk
		s.disk = nil
		s.mu.Unlock()
		if disk != nil {
			if err := disk.Close(); err != nil {
				s.logger.Warn("Failed to close disk", Field{Key: "error", Value: err})
			}
		}
		if s.transport != nil {
			if err := s.writeBounded("Session.writeVMClose", VMCloseRequest(), closeWriteTimeout); err != nil {
				s.logger.Debug("VM close not sent", Field{Key: "error", Value: err})
			}
		}
	}

	s.logger.Debug("Session destroyed")
}

// GracefulClose destroys the session, closes the transport and raises
// EventClose with reason. Only the first call has any effect.
func (s *Session) GracefulClose(reason string) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.Destroy()
	s.cancel()
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.Debug("Transport close failed", Field{Key: "error", Value: err})
		}
	}
	s.setStage(StageInvalid)
	s.reason.Store(reason)

	s.metrics.Counter(MetricSessionsClosed, 1, "role", s.cfg.Role.String())
	s.logger.Info("Session closed", Field{Key: "reason", Value: reason})
	s.emit(EventClose, reason)
	close(s.done)
}

// Close closes the session with a client-initiated reason.
func (s *Session) Close() error {
	s.GracefulClose("closed by client")
	return nil
}

// Done is closed once the session has closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseReason returns the reason passed to GracefulClose, or "" while open.
func (s *Session) CloseReason() string {
	reason, _ := s.reason.Load().(string)
	return reason
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Stage returns the current connection stage.
func (s *Session) Stage() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage
}

// IsBeforeNormal reports whether the handshake has not yet completed.
func (s *Session) IsBeforeNormal() bool {
	return s.Stage() != StageNormal
}

func (s *Session) setStage(stage Stage) {
	s.mu.Lock()
	prev := s.stage
	s.stage = stage
	s.sctx.Stage = stage
	s.mu.Unlock()

	if prev != stage {
		s.logger.Debug("Stage changed", Field{Key: "from", Value: prev}, Field{Key: "to", Value: stage})
	}
}

// Context returns a snapshot of the session context.
func (s *Session) Context() SessionContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sctx.Snapshot()
}

// VideoStats returns the running video statistics.
func (s *Session) VideoStats() VideoStats {
	s.videoMu.Lock()
	defer s.videoMu.Unlock()
	return s.video.Stats()
}
