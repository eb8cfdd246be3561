// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package admission gate-keeps inbound connections.

A Controller holds accepted connections in a bounded FIFO queue and hands
them out for processing one at a time, never more than MaxParallel at
once. A Listener wraps a net.Listener around a Controller so that an
http.Server can be driven by it:

	mon, _ := admission.NewSystemMonitor()
	ctrl, _ := admission.NewController(admission.Config{
	    MaxParallel: 32,
	    QueueSize:   128,
	    MaxCPULoad:  90,
	    Monitor:     mon,
	})
	ln := admission.NewListener(tcpListener, ctrl)
	srv.Serve(ln)

Before every accept the Controller consults its ResourceMonitor. While
free file handles, CPU load or memory usage are outside the configured
thresholds no new connections are accepted and the oldest queued
connection is closed once per check interval. Denial is silent: a shed
connection is simply closed.

A permit is released when the connection is closed. Closing twice
releases once.
*/
package admission
