// Package cdp connects to a Chromium browser over the DevTools protocol and
// turns its Network domain events into recording notifications.
//
// Discovery uses the HTTP endpoints (/json/version, /json/list), Client
// speaks JSON-RPC over a websocket, and Source translates events and serves
// response bodies. Every event and body can be teed to a JSONL log that
// ReplaySource plays back later without a browser.
package cdp
