/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tejzpr/verto-go-sdk/verto"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 0 101\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=ice-ufrag:abcd\r\n" +
	"a=ice-pwd:0123456789abcdef0123456789\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n"

func hostCandidate(n int) ICECandidate {
	return ICECandidate{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 192.168.1.%d 5432%d typ host", n, n, n),
		SDPMid:    "0",
		Type:      "host",
	}
}

func srflxCandidate(n int) ICECandidate {
	return ICECandidate{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 1686052607 203.0.113.%d 5432%d typ srflx raddr 192.168.1.1 rport 54321", n, n, n),
		SDPMid:    "0",
		Type:      "srflx",
	}
}

// ---- Fake MediaTransport ----

type fakeTransport struct {
	mu sync.Mutex

	handler    func(TransportEvent)
	local      string
	candidates []string
	awaiting   bool
	closed     bool

	offerErr  error
	answerErr error
	remoteErr error
	// remoteDelay stalls SetRemoteDescription to widen ordering windows
	remoteDelay time.Duration

	offers        int
	iceRestarts   int
	remotes       []string
	remoteTypes   []SDPType
	remoteCands   []ICECandidate
	remoteEOC     int
	muted         bool
	audioToggles  []bool
	stats         StatsSnapshot
	statsErr      error
	statsRequests int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) CreateLocalOffer(iceRestart bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return "", f.offerErr
	}
	f.offers++
	if iceRestart {
		f.iceRestarts++
		f.candidates = nil
	}
	f.local = testSDP
	f.awaiting = true
	return f.local, nil
}

func (f *fakeTransport) CreateLocalAnswer() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerErr != nil {
		return "", f.answerErr
	}
	f.local = testSDP
	return f.local, nil
}

func (f *fakeTransport) SetRemoteDescription(typ SDPType, sdp string) error {
	f.mu.Lock()
	delay := f.remoteDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteErr != nil {
		return f.remoteErr
	}
	if typ == SDPTypeAnswer {
		if !f.awaiting {
			return nil
		}
		f.awaiting = false
	}
	f.remotes = append(f.remotes, sdp)
	f.remoteTypes = append(f.remoteTypes, typ)
	return nil
}

func (f *fakeTransport) LocalDescription() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.local == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(f.local)
	for _, c := range f.candidates {
		b.WriteString("a=" + c + "\r\n")
	}
	return b.String()
}

func (f *fakeTransport) AddICECandidate(c ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteCands = append(f.remoteCands, c)
	return nil
}

func (f *fakeTransport) EndOfRemoteCandidates() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteEOC++
	return nil
}

func (f *fakeTransport) SetMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
}

func (f *fakeTransport) SetAudioEnabled(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioToggles = append(f.audioToggles, enabled)
	return nil
}

func (f *fakeTransport) Stats(ctx context.Context) (StatsSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsRequests++
	return f.stats, f.statsErr
}

func (f *fakeTransport) SetEventHandler(handler func(TransportEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) emit(ev TransportEvent) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// gather adds a local candidate to the description and reports it.
func (f *fakeTransport) gather(c ICECandidate) {
	f.mu.Lock()
	f.candidates = append(f.candidates, c.Candidate)
	f.mu.Unlock()
	f.emit(TransportEvent{Kind: TransportCandidate, Candidate: c})
}

func (f *fakeTransport) gatheringComplete() {
	f.emit(TransportEvent{Kind: TransportGatheringComplete})
}

func (f *fakeTransport) setICE(state ICEState) {
	f.emit(TransportEvent{Kind: TransportICEState, ICEState: state})
}

func (f *fakeTransport) setStats(s StatsSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = s
}

func (f *fakeTransport) setRemoteDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDelay = d
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) hasHandler() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

func (f *fakeTransport) remoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remotes)
}

func (f *fakeTransport) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iceRestarts
}

func (f *fakeTransport) isMuted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

// fakeFactory hands out fake transports and remembers them.
type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	prepare    func(*fakeTransport)
	err        error
}

func (ff *fakeFactory) New(cfg *Config, log *logrus.Entry) (MediaTransport, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.err != nil {
		return nil, ff.err
	}
	t := newFakeTransport()
	if ff.prepare != nil {
		ff.prepare(t)
	}
	ff.transports = append(ff.transports, t)
	return t, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.transports)
}

func (ff *fakeFactory) last() *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.transports) == 0 {
		return nil
	}
	return ff.transports[len(ff.transports)-1]
}

// ---- Fake Sender ----

type fakeSender struct {
	mu       sync.Mutex
	messages []*verto.Message
	err      error
}

func (s *fakeSender) Send(msg *verto.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeSender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSender) all() []*verto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*verto.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *fakeSender) methods() []verto.Method {
	var out []verto.Method
	for _, m := range s.all() {
		out = append(out, m.Method)
	}
	return out
}

func (s *fakeSender) byMethod(method verto.Method) []*verto.Message {
	var out []*verto.Message
	for _, m := range s.all() {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSender) count(method verto.Method) int {
	return len(s.byMethod(method))
}

// ---- Fake AudioDevice ----

type fakeAudioDevice struct {
	mu       sync.Mutex
	enabled  bool
	speaker  bool
	toggles  []bool
	settings []AudioSettings
	failOn   int
}

func newFakeAudioDevice() *fakeAudioDevice {
	return &fakeAudioDevice{enabled: true}
}

func (d *fakeAudioDevice) SetAudioEnabled(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toggles = append(d.toggles, enabled)
	if d.failOn > 0 && len(d.toggles) == d.failOn {
		return errors.New("device busy")
	}
	d.enabled = enabled
	return nil
}

func (d *fakeAudioDevice) ApplySettings(settings AudioSettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = append(d.settings, settings)
	return nil
}

func (d *fakeAudioDevice) SpeakerEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaker
}

func (d *fakeAudioDevice) SetSpeakerEnabled(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speaker = enabled
	return nil
}

func (d *fakeAudioDevice) resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.settings) / 3
}

func (d *fakeAudioDevice) isEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// ---- Helpers ----

// testConfig shrinks every timer so scenarios run in milliseconds.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ICEServers = nil
	cfg.NegotiationTimeout = 20 * time.Millisecond
	cfg.TrickleSettleTimeout = 50 * time.Millisecond
	cfg.RestartTimeout = 300 * time.Millisecond
	cfg.RestartPollInterval = 10 * time.Millisecond
	cfg.RestartStableChecks = 2
	cfg.StatsInterval = 10 * time.Millisecond
	cfg.ImprovementMinInterval = time.Hour
	cfg.RTTWatchDelay = 50 * time.Millisecond
	cfg.ResetStepDelay = time.Millisecond
	return cfg
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// testClient builds a CallingClient over fakes with a session id set.
func testClient(t *testing.T, cfg *Config) (*CallingClient, *fakeSender, *fakeFactory, *fakeAudioDevice) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	sender := &fakeSender{}
	factory := &fakeFactory{}
	device := newFakeAudioDevice()
	cc := NewCallingClient(sender, cfg,
		WithLogger(testLogger()),
		WithTransportFactory(factory.New),
		WithAudioDevice(device),
		WithMetrics(NewMetrics("test", nil)),
	)
	cc.SetSessionID("sess-1")
	t.Cleanup(func() { _ = cc.Shutdown() })
	return cc, sender, factory, device
}

func rawParams(t *testing.T, method verto.Method, params any) *verto.Message {
	t.Helper()
	msg, err := verto.NewMessage(method, params)
	if err != nil {
		t.Fatalf("failed to build %s: %v", method, err)
	}
	return msg
}

func responseTo(id string, result string) *verto.Message {
	return &verto.Message{JSONRPC: verto.ProtocolVersion, ID: id, Result: []byte(result)}
}
