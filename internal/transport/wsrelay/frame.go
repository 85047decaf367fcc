// Package wsrelay carries calendar topics through a websocket relay hub.
//
// The hub is a dumb fan-out: clients subscribe to topic names, publish
// opaque payloads, and receive every payload published on their topics
// (their own included). The hub keeps a short per-topic history that is
// replayed on subscribe and reports the subscriber count of each topic,
// which clients map to topic health. Private calendars are sealed before
// they reach the hub, so it never sees plaintext.
//
// Frames are JSON text messages:
//
//	{"op":"sub","topic":"/meshcal/1/cal/events"}
//	{"op":"unsub","topic":"..."}
//	{"op":"pub","topic":"...","data":"<base64>"}
//	{"op":"msg","topic":"...","data":"<base64>"}   hub -> client
//	{"op":"peers","topic":"...","count":2}         hub -> client
//	{"op":"err","error":"rate limited"}            hub -> client
package wsrelay

import "errors"

// Path is where the hub serves websocket connections.
const Path = "/v1/topics"

// MaxFrameSize bounds a single websocket message in either direction.
// Payloads travel base64 encoded, so the largest publishable payload is
// about three quarters of this.
const MaxFrameSize = 4 << 20

// ErrFrameTooLarge is returned by Publish when the encoded frame would
// exceed MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds relay size limit")

const (
	opSub   = "sub"
	opUnsub = "unsub"
	opPub   = "pub"
	opMsg   = "msg"
	opPeers = "peers"
	opErr   = "err"
)

type frame struct {
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`
	Data  []byte `json:"data,omitempty"`
	Count int    `json:"count,omitempty"`
	Error string `json:"error,omitempty"`
}
