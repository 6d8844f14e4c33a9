// Package server is the network edge of the relay: the WebSocket connection
// lifecycle, the connection manager and the HTTP endpoints.
//
// Every connection starts in Connecting, becomes Identified after a successful
// identify event and ends in Closed. Only identified connections appear in the
// presence registry, and a closing connection leaves the registry before its
// socket is torn down.
package server
