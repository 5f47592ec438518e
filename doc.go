// Package bridge implements the HTTP+SSE transport of the Model Context Protocol (MCP): a
// server-push event stream per session paired with a POST endpoint for client messages,
// correlated by a sessionId query parameter.
//
// An SSEServer accepts event stream connections, creates one SSETransport per connection and
// keeps it in a SessionRegistry until the stream ends. Client messages are validated as JSON-RPC
// 2.0, acknowledged with 202 Accepted and handed to a MessageHandler; responses travel back as
// "message" events on the stream. Server binds a ToolServer to that flow, answering initialize,
// ping, tools/list and tools/call.
//
// A minimal server looks like:
//
//	srv := bridge.NewServer(bridge.Info{Name: "calc", Version: "1.0.0"}, tools)
//	sseSrv := bridge.NewSSEServer("/message", srv)
//	http.ListenAndServe(":8080", sseSrv.Handler())
//
// SSEClient is the matching client: it opens the stream, waits for the endpoint event and
// correlates responses with the requests it POSTs.
package bridge
