// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package compframe implements the message transport of a cooperative
// component framework.
//
// Remote peers connect to a [Transport] over TCP and exchange frames. A
// frame is a one-byte channel number, a little-endian uint16 length that
// counts the whole frame including its 3-byte header, and a payload:
//
//	+------+--------+--------+-------------------+
//	| CHAN | LEN lo | LEN hi | payload ...       |
//	+------+--------+--------+-------------------+
//
// Each connection carries up to [MaxChannels] data channels. Channel 255
// ([ControlChannel]) is reserved for the control protocol, which opens and
// closes channels to named receivers.
//
// # Receivers
//
// A receiver is a named endpoint offering an interface identified by a
// 36-character string (conventionally a UUID). Receivers are registered with
// [Transport.AddReceiver], supplying a [Client] whose methods are called when
// a remote peer opens a channel to the receiver, sends it a message, or
// closes the channel:
//
//	t := compframe.New(r, nil)
//	err := t.AddReceiver("433e76d0-77d1-460d-9321-e2dc8dc8bd59", "sample1", cl, nil)
//
// # Control Protocol
//
// To open a channel, a peer sends an [OpenRequest] on the control channel.
// The transport allocates the lowest free channel and replies with a
// [Response] whose opcode is [OpOpenOK], or [OpOpenFail] with a
// [ResultCode] and text explaining the failure. A [CloseRequest] releases a
// channel and is answered with [OpCloseOK] or [OpCloseFail]. A request with
// any other opcode is answered with [OpUnknown].
//
// # Polling
//
// A Transport does not run on its own. It registers its sockets with a
// [reactor.Reactor], and all work happens inside calls to the reactor's
// PollOnce method. The host package combines a reactor, a scheduler, and a
// transport into a single loop.
//
// # Metrics
//
// Each transport maintains a collection of metrics. Use [Transport.Metrics]
// to obtain an [expvar.Map] containing them:
//
//   - frames_received: counter of complete frames received
//   - frames_sent: counter of frames sent
//   - frames_dropped: counter of data frames for channels that are not open
//   - bytes_received: counter of bytes read from connections
//   - connections_accepted: counter of connections attached
//   - connections_active: gauge of live connections
//   - channels_opened: counter of channels opened
//   - channels_open_failed: counter of open requests that failed
//   - channels_closed: counter of channels closed
//   - channels_active: gauge of open channels
//   - control_errors: counter of malformed or unknown control requests
package compframe
