// Package ws streams alert events to admin UI clients over WebSocket.
//
// A client that connects first receives an "alerts.open" message listing
// the currently open alerts, then one message per lifecycle event
// ("alert.raised", "alert.resolved") as they happen. The hub pings every
// client periodically and drops clients that stop answering or whose
// outgoing buffer fills up.
//
// Usage:
//
//	hub := ws.New(openAlerts)
//	go hub.Run(ctx)
//	mux.Handle("/ws/alerts", hub)
package ws
