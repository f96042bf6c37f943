// Package hub implements the broadcast hub that decouples event
// production from live viewers.
//
// Every normalized event published by the ingest pipeline is encoded once
// and offered to each registered viewer whose device filter matches.
// Delivery is fire-and-forget: a viewer whose queue is full is either
// removed or skips the notification, depending on the configured overflow
// policy, so a slow consumer never stalls ingestion or other viewers.
//
// Usage:
//
//	h := hub.New(cfg.Hub)
//	sub := h.Subscribe(clientID, &deviceID)
//	defer h.Unsubscribe(clientID)
//	for n := range sub.C() {
//	    conn.WriteMessage(websocket.TextMessage, n.Data)
//	}
package hub
