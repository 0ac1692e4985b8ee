// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package compframe

import "expvar"

// transportMetrics record transport activity counters.
type transportMetrics struct {
	frameRecv     expvar.Int
	frameSent     expvar.Int
	frameDropped  expvar.Int // data frames for channels with no peer
	bytesRecv     expvar.Int
	connAccepted  expvar.Int
	connActive    expvar.Int // gauge
	chanOpened    expvar.Int
	chanOpenErr   expvar.Int // open requests answered with a failure
	chanClosed    expvar.Int // by request, teardown, or receiver removal
	chanActive    expvar.Int // gauge
	controlErrors expvar.Int // malformed or unknown control requests

	emap *expvar.Map
}

func newTransportMetrics() *transportMetrics {
	tm := &transportMetrics{emap: new(expvar.Map)}
	tm.emap.Set("frames_received", &tm.frameRecv)
	tm.emap.Set("frames_sent", &tm.frameSent)
	tm.emap.Set("frames_dropped", &tm.frameDropped)
	tm.emap.Set("bytes_received", &tm.bytesRecv)
	tm.emap.Set("connections_accepted", &tm.connAccepted)
	tm.emap.Set("connections_active", &tm.connActive)
	tm.emap.Set("channels_opened", &tm.chanOpened)
	tm.emap.Set("channels_open_failed", &tm.chanOpenErr)
	tm.emap.Set("channels_closed", &tm.chanClosed)
	tm.emap.Set("channels_active", &tm.chanActive)
	tm.emap.Set("control_errors", &tm.controlErrors)
	return tm
}
