package usbaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/MrWong99/uacbridge/internal/observe"
)

// UAC2 request codes (bRequest).
const (
	RequestCur   uint8 = 0x01
	RequestRange uint8 = 0x02
)

// UAC2 control selectors used by the streaming entities.
const (
	SelectorSampleFreq uint8 = 0x01 // clock source
	SelectorClockValid uint8 = 0x02 // clock source
	SelectorMute       uint8 = 0x01 // feature unit
	SelectorVolume     uint8 = 0x02 // feature unit
	SelectorConnector  uint8 = 0x02 // input/output terminal
)

const (
	masterChannel        = 0
	volumeUnitsPerDB     = 256
	defaultVolumeLimitDB = 90
)

// Volume range advertised for every feature unit channel, in 1/256 dB.
const (
	VolumeMin int16 = -defaultVolumeLimitDB * volumeUnitsPerDB
	VolumeMax int16 = defaultVolumeLimitDB * volumeUnitsPerDB
	VolumeRes int16 = volumeUnitsPerDB
)

// ErrRequestNotHandled is returned for control requests this device does not
// implement. The USB stack should STALL the request.
var ErrRequestNotHandled = errors.New("usbaudio: request not handled")

// Request is a class-specific control request addressed to an entity.
type Request struct {
	// Code is the bRequest value, [RequestCur] or [RequestRange].
	Code uint8

	// Entity is the high byte of wIndex.
	Entity uint8

	// Selector is the high byte of wValue.
	Selector uint8

	// Channel is the low byte of wValue; 0 addresses the master channel.
	Channel uint8

	// Length is wLength.
	Length uint16
}

// Entities are the UAC2 unit and terminal IDs belonging to one stream.
type Entities struct {
	InputTerminal  uint8
	FeatureUnit    uint8
	OutputTerminal uint8
}

// DefaultClockID is the clock source entity of the common two-stream
// headset topology.
const DefaultClockID uint8 = 0x04

// Default stream entity IDs for the same topology.
var (
	DefaultOutEntities = Entities{InputTerminal: 0x01, FeatureUnit: 0x02, OutputTerminal: 0x03}
	DefaultInEntities  = Entities{InputTerminal: 0x11, FeatureUnit: 0x12, OutputTerminal: 0x13}
)

// ControlState is the feature unit state of one stream: mute and volume for
// the master channel (0) and each logical channel 1..N. It is safe for
// concurrent use; the data path reads the derived gains once per transfer.
type ControlState struct {
	mu     sync.RWMutex
	mute   []bool
	volume []int16
	gains  []int64 // Q16 per logical channel, master folded in
	unity  bool
}

// NewControlState returns state for a stream of the given channel count,
// unmuted at 0 dB.
func NewControlState(channels int) *ControlState {
	s := &ControlState{
		mute:   make([]bool, channels+1),
		volume: make([]int16, channels+1),
		gains:  make([]int64, channels),
	}
	s.recompute()
	return s
}

// Channels returns the number of logical channels, excluding master.
func (s *ControlState) Channels() int { return len(s.mute) - 1 }

// Mute reports the mute control of channel ch.
func (s *ControlState) Mute(ch int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ch < 0 || ch >= len(s.mute) {
		return false, fmt.Errorf("%w: channel %d", ErrRequestNotHandled, ch)
	}
	return s.mute[ch], nil
}

// SetMute sets the mute control of channel ch.
func (s *ControlState) SetMute(ch int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch < 0 || ch >= len(s.mute) {
		return fmt.Errorf("%w: channel %d", ErrRequestNotHandled, ch)
	}
	s.mute[ch] = on
	s.recompute()
	return nil
}

// Volume reports the volume control of channel ch in 1/256 dB.
func (s *ControlState) Volume(ch int) (int16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ch < 0 || ch >= len(s.volume) {
		return 0, fmt.Errorf("%w: channel %d", ErrRequestNotHandled, ch)
	}
	return s.volume[ch], nil
}

// SetVolume sets the volume control of channel ch, clamped to the advertised
// range.
func (s *ControlState) SetVolume(ch int, v int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch < 0 || ch >= len(s.volume) {
		return fmt.Errorf("%w: channel %d", ErrRequestNotHandled, ch)
	}
	s.volume[ch] = min(max(v, VolumeMin), VolumeMax)
	s.recompute()
	return nil
}

// apply scales interleaved samples in place by the current gains.
func (s *ControlState) apply(samples []int32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unity {
		return
	}
	n := len(s.gains)
	for i, v := range samples {
		g := s.gains[i%n]
		switch g {
		case 0:
			samples[i] = 0
		case 1 << 16:
		default:
			p := (int64(v)*g + 1<<15) >> 16
			samples[i] = int32(min(max(p, math.MinInt32), math.MaxInt32))
		}
	}
}

// recompute derives the per-channel gains. Caller holds mu.
func (s *ControlState) recompute() {
	s.unity = true
	for i := range s.gains {
		ch := i + 1
		if s.mute[masterChannel] || s.mute[ch] {
			s.gains[i] = 0
			s.unity = false
			continue
		}
		units := int(s.volume[masterChannel]) + int(s.volume[ch])
		if units == 0 {
			s.gains[i] = 1 << 16
			continue
		}
		db := float64(units) / volumeUnitsPerDB
		s.gains[i] = int64(math.Round(math.Pow(10, db/20) * (1 << 16)))
		s.unity = false
	}
}

// ControlPlane answers the streaming-relevant UAC2 control requests: the
// clock source, and the terminals and feature unit of each attached stream.
type ControlPlane struct {
	rate    uint32
	clockID uint8

	mu      sync.RWMutex
	streams []controlStream

	log     *slog.Logger
	metrics *observe.Metrics
}

type controlStream struct {
	ent      Entities
	channels int
	state    *ControlState
}

// NewControlPlane returns a control plane for a device with one fixed sample
// rate. logger and metrics may be nil.
func NewControlPlane(sampleRate int, clockID uint8, logger *slog.Logger, metrics *observe.Metrics) *ControlPlane {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlPlane{rate: uint32(sampleRate), clockID: clockID, log: logger, metrics: metrics}
}

// Attach registers the entities of one stream with the state they control.
func (p *ControlPlane) Attach(ent Entities, state *ControlState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, controlStream{ent: ent, channels: state.Channels(), state: state})
}

// HandleGet answers a GET request with its parameter block, truncated to
// req.Length when the host asks for less.
func (p *ControlPlane) HandleGet(req Request) ([]byte, error) {
	entity, b, err := p.get(req)
	p.record(entity, err)
	if err != nil {
		p.log.Debug("unhandled control get", "entity", req.Entity, "selector", req.Selector, "code", req.Code)
		return nil, err
	}
	if req.Length != 0 && int(req.Length) < len(b) {
		b = b[:req.Length]
	}
	return b, nil
}

// HandleSet applies a SET request carrying data. Only CUR requests with the
// exact parameter block length are accepted.
func (p *ControlPlane) HandleSet(req Request, data []byte) error {
	entity, err := p.set(req, data)
	p.record(entity, err)
	if err != nil {
		p.log.Debug("unhandled control set", "entity", req.Entity, "selector", req.Selector, "code", req.Code)
		return err
	}
	return nil
}

func (p *ControlPlane) get(req Request) (string, []byte, error) {
	if req.Entity == p.clockID {
		b, err := p.getClock(req)
		return "clock", b, err
	}
	st, kind, ok := p.lookup(req.Entity)
	if !ok {
		return "unknown", nil, fmt.Errorf("%w: entity %#x", ErrRequestNotHandled, req.Entity)
	}
	switch kind {
	case "terminal":
		if req.Selector != SelectorConnector || req.Code != RequestCur {
			return kind, nil, fmt.Errorf("%w: terminal selector %#x", ErrRequestNotHandled, req.Selector)
		}
		// Channel cluster: bNrChannels, bmChannelConfig, iChannelNames.
		b := make([]byte, 6)
		b[0] = byte(st.channels)
		return kind, b, nil
	default:
		b, err := getFeature(st.state, req)
		return kind, b, err
	}
}

func (p *ControlPlane) getClock(req Request) ([]byte, error) {
	switch {
	case req.Selector == SelectorSampleFreq && req.Code == RequestCur:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, p.rate)
		return b, nil
	case req.Selector == SelectorSampleFreq && req.Code == RequestRange:
		// One sub-range with min = max = the only supported rate.
		b := make([]byte, 14)
		binary.LittleEndian.PutUint16(b[0:], 1)
		binary.LittleEndian.PutUint32(b[2:], p.rate)
		binary.LittleEndian.PutUint32(b[6:], p.rate)
		binary.LittleEndian.PutUint32(b[10:], 0)
		return b, nil
	case req.Selector == SelectorClockValid && req.Code == RequestCur:
		return []byte{1}, nil
	}
	return nil, fmt.Errorf("%w: clock selector %#x code %#x", ErrRequestNotHandled, req.Selector, req.Code)
}

func getFeature(s *ControlState, req Request) ([]byte, error) {
	ch := int(req.Channel)
	switch {
	case req.Selector == SelectorMute && req.Code == RequestCur:
		m, err := s.Mute(ch)
		if err != nil {
			return nil, err
		}
		if m {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case req.Selector == SelectorVolume && req.Code == RequestCur:
		v, err := s.Volume(ch)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(v))
		return b, nil
	case req.Selector == SelectorVolume && req.Code == RequestRange:
		if ch > s.Channels() {
			return nil, fmt.Errorf("%w: channel %d", ErrRequestNotHandled, ch)
		}
		lo, hi, res := VolumeMin, VolumeMax, VolumeRes
		b := make([]byte, 8)
		binary.LittleEndian.PutUint16(b[0:], 1)
		binary.LittleEndian.PutUint16(b[2:], uint16(lo))
		binary.LittleEndian.PutUint16(b[4:], uint16(hi))
		binary.LittleEndian.PutUint16(b[6:], uint16(res))
		return b, nil
	}
	return nil, fmt.Errorf("%w: feature selector %#x code %#x", ErrRequestNotHandled, req.Selector, req.Code)
}

func (p *ControlPlane) set(req Request, data []byte) (string, error) {
	if req.Code != RequestCur {
		return "unknown", fmt.Errorf("%w: SET code %#x", ErrRequestNotHandled, req.Code)
	}
	if int(req.Length) != len(data) {
		return "unknown", fmt.Errorf("%w: wLength %d with %d data bytes", ErrRequestNotHandled, req.Length, len(data))
	}
	st, kind, ok := p.lookup(req.Entity)
	if !ok || kind != "feature_unit" {
		return "unknown", fmt.Errorf("%w: SET on entity %#x", ErrRequestNotHandled, req.Entity)
	}
	ch := int(req.Channel)
	switch req.Selector {
	case SelectorMute:
		if len(data) != 1 {
			return kind, fmt.Errorf("%w: mute wLength %d", ErrRequestNotHandled, len(data))
		}
		if err := st.state.SetMute(ch, data[0] != 0); err != nil {
			return kind, err
		}
		p.log.Info("mute changed", "entity", req.Entity, "channel", ch, "mute", data[0] != 0)
		return kind, nil
	case SelectorVolume:
		if len(data) != 2 {
			return kind, fmt.Errorf("%w: volume wLength %d", ErrRequestNotHandled, len(data))
		}
		v := int16(binary.LittleEndian.Uint16(data))
		if err := st.state.SetVolume(ch, v); err != nil {
			return kind, err
		}
		p.log.Info("volume changed", "entity", req.Entity, "channel", ch, "volume_db", float64(v)/volumeUnitsPerDB)
		return kind, nil
	}
	return kind, fmt.Errorf("%w: feature selector %#x", ErrRequestNotHandled, req.Selector)
}

func (p *ControlPlane) lookup(entity uint8) (controlStream, string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.streams {
		switch entity {
		case s.ent.FeatureUnit:
			return s, "feature_unit", true
		case s.ent.InputTerminal, s.ent.OutputTerminal:
			return s, "terminal", true
		}
	}
	return controlStream{}, "", false
}

func (p *ControlPlane) record(entity string, err error) {
	if p.metrics == nil {
		return
	}
	outcome := "handled"
	if err != nil {
		outcome = "not_handled"
	}
	p.metrics.RecordControlRequest(context.Background(), entity, outcome)
}
