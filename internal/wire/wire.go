// Package wire defines the JSON wire messages exchanged between Host and
// Clients (spec §6). Every message is a tagged variant discriminated by a
// top-level "type" field. Decoding is tolerant: unknown message types are
// logged at a bounded rate and otherwise ignored, and a "data"/"payload"
// envelope wrapping the real message is unwrapped transparently so the
// core never has to special-case framing quirks from a particular
// transport.
package wire

import (
	"encoding/json"
	"fmt"
)

// Message type tags.
const (
	TypeHello             = "hello"
	TypeWelcome           = "welcome"
	TypePing              = "ping"
	TypePong              = "pong"
	TypePeerJoin          = "peer_join"
	TypePeerLeave         = "peer_leave"
	TypeTrackAnnounce     = "track_announce"
	TypeClientReady       = "client_ready"
	TypeClientReadyError  = "client_ready_error"
	TypeStartAt           = "start_at"
	TypeClientStartReport = "client_start_report"
	TypeHostState         = "host_state"
)

// Error codes for client_ready_error.
const (
	ErrCodeDownloadFailed = "download_failed"
	ErrCodeHashMismatch   = "hash_mismatch"
	ErrCodeHTTP4xx        = "http_4xx"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnknown        = "unknown"
)

const protoVer = 1

// DeviceInfo describes the device sending hello/peer_join. IsIOS reports
// whether the sender runs the iOS-safe KeepSync profile; the facade does
// not read it, since the caller picks the profile and passes it to
// facade.NewClient.
type DeviceInfo struct {
	Platform   string `json:"platform"`
	AppVersion string `json:"appVersion"`
	IsIOS      bool   `json:"isIOS"`
}

type Hello struct {
	Type       string     `json:"type"`
	ProtoVer   int        `json:"protoVer"`
	RoomID     string     `json:"roomId"`
	PeerID     string     `json:"peerId"`
	Role       string     `json:"role"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

func NewHello(roomID, peerID, role string, dev DeviceInfo) Hello {
	return Hello{Type: TypeHello, ProtoVer: protoVer, RoomID: roomID, PeerID: peerID, Role: role, DeviceInfo: dev}
}

type Welcome struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	ServerNowMs int64  `json:"serverNowMs"`
}

func NewWelcome(sessionID string, serverNowMs int64) Welcome {
	return Welcome{Type: TypeWelcome, SessionID: sessionID, ServerNowMs: serverNowMs}
}

type Ping struct {
	Type       string `json:"type"`
	Seq        int64  `json:"seq"`
	T0ClientMs int64  `json:"t0ClientMs"`
}

func NewPing(seq, t0ClientMs int64) Ping {
	return Ping{Type: TypePing, Seq: seq, T0ClientMs: t0ClientMs}
}

type Pong struct {
	Type       string `json:"type"`
	Seq        int64  `json:"seq"`
	T0ClientMs int64  `json:"t0ClientMs"`
	T1ServerMs int64  `json:"t1ServerMs"`
}

func NewPong(seq, t0ClientMs, t1ServerMs int64) Pong {
	return Pong{Type: TypePong, Seq: seq, T0ClientMs: t0ClientMs, T1ServerMs: t1ServerMs}
}

type PeerJoin struct {
	Type       string      `json:"type"`
	PeerID     string      `json:"peerId"`
	Role       string      `json:"role,omitempty"`
	DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`
}

func NewPeerJoin(peerID, role string, dev *DeviceInfo) PeerJoin {
	return PeerJoin{Type: TypePeerJoin, PeerID: peerID, Role: role, DeviceInfo: dev}
}

type PeerLeave struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
	Reason string `json:"reason,omitempty"`
}

func NewPeerLeave(peerID, reason string) PeerLeave {
	return PeerLeave{Type: TypePeerLeave, PeerID: peerID, Reason: reason}
}

type TrackAnnounce struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	HostPeerID  string `json:"hostPeerId"`
	TrackID     string `json:"trackId"`
	URL         string `json:"url"`
	FileHash    string `json:"fileHash"`
	SizeBytes   int64  `json:"sizeBytes"`
	DurationMs  int64  `json:"durationMs"`
	FileName    string `json:"fileName,omitempty"`
}

func NewTrackAnnounce(roomID, hostPeerID, trackID, url, fileHash string, sizeBytes, durationMs int64, fileName string) TrackAnnounce {
	return TrackAnnounce{
		Type: TypeTrackAnnounce, RoomID: roomID, HostPeerID: hostPeerID, TrackID: trackID,
		URL: url, FileHash: fileHash, SizeBytes: sizeBytes, DurationMs: durationMs, FileName: fileName,
	}
}

type ClientReady struct {
	Type      string `json:"type"`
	TrackID   string `json:"trackId"`
	Cached    bool   `json:"cached"`
	LocalPath string `json:"localPath"`
	PrepareMs int64  `json:"prepareMs"`
}

func NewClientReady(trackID, localPath string, prepareMs int64) ClientReady {
	return ClientReady{Type: TypeClientReady, TrackID: trackID, Cached: true, LocalPath: localPath, PrepareMs: prepareMs}
}

type ClientReadyError struct {
	Type         string `json:"type"`
	TrackID      string `json:"trackId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func NewClientReadyError(trackID, code, msg string) ClientReadyError {
	return ClientReadyError{Type: TypeClientReadyError, TrackID: trackID, ErrorCode: code, ErrorMessage: msg}
}

type StartAt struct {
	Type              string `json:"type"`
	Epoch             int64  `json:"epoch"`
	Seq               int64  `json:"seq"`
	TrackID           string `json:"trackId"`
	StartAtRoomTimeMs int64  `json:"startAtRoomTimeMs"`
	StartPosMs        int64  `json:"startPosMs"`
}

func NewStartAt(epoch, seq int64, trackID string, startAtRoomTimeMs, startPosMs int64) StartAt {
	return StartAt{Type: TypeStartAt, Epoch: epoch, Seq: seq, TrackID: trackID, StartAtRoomTimeMs: startAtRoomTimeMs, StartPosMs: startPosMs}
}

type ClientStartReport struct {
	Type                  string `json:"type"`
	PeerID                string `json:"peerId"`
	Epoch                 int64  `json:"epoch"`
	Seq                   int64  `json:"seq"`
	ActualStartRoomTimeMs int64  `json:"actualStartRoomTimeMs"`
	StartErrorMs          int64  `json:"startErrorMs"`
}

func NewClientStartReport(peerID string, epoch, seq, actualStartRoomTimeMs, startErrorMs int64) ClientStartReport {
	return ClientStartReport{
		Type: TypeClientStartReport, PeerID: peerID, Epoch: epoch, Seq: seq,
		ActualStartRoomTimeMs: actualStartRoomTimeMs, StartErrorMs: startErrorMs,
	}
}

type HostState struct {
	Type               string `json:"type"`
	RoomID             string `json:"roomId"`
	TrackID            string `json:"trackId"`
	IsPlaying          bool   `json:"isPlaying"`
	HostPosMs          int64  `json:"hostPosMs"`
	SampledAtRoomTimeMs int64 `json:"sampledAtRoomTimeMs"`
	Epoch              int64  `json:"epoch"`
	Seq                int64  `json:"seq"`
}

func NewHostState(roomID, trackID string, isPlaying bool, hostPosMs, sampledAtRoomTimeMs, epoch, seq int64) HostState {
	return HostState{
		Type: TypeHostState, RoomID: roomID, TrackID: trackID, IsPlaying: isPlaying,
		HostPosMs: hostPosMs, SampledAtRoomTimeMs: sampledAtRoomTimeMs, Epoch: epoch, Seq: seq,
	}
}

// Peek extracts the message type and the JSON object it should be decoded
// from, tolerating a "data" or "payload" envelope wrapping the real
// message. It never errors on an unknown type — callers decide what to do
// with an unrecognized tag.
func Peek(raw []byte) (msgType string, body []byte, err error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}

	if t, ok := top["type"]; ok {
		var s string
		if err := json.Unmarshal(t, &s); err == nil && s != "" {
			return s, raw, nil
		}
	}

	for _, key := range []string{"data", "payload"} {
		nested, ok := top[key]
		if !ok {
			continue
		}
		if t, body, err := Peek(nested); err == nil && t != "" {
			return t, body, nil
		}
	}

	return "", nil, fmt.Errorf("no type field found")
}

// Decode unmarshals body, as returned by Peek (already unwrapped from any
// envelope), into dst, assuming the caller already knows dst matches the
// type Peek returned.
func Decode(body []byte, dst any) error {
	return json.Unmarshal(body, dst)
}
