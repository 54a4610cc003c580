/*
Package repl provides a server and client for running JavaScript inside a long-lived process over a local unix socket. It is meant for development tooling that needs to inspect or patch a running program.

Every connection carries a sequence of request/response exchanges. Each message is a blob: a 4-byte little-endian unsigned length followed by that many bytes of UTF-8 JSON. The framing is implemented by the frame package.

A request is a JSON object with a "code" string field. Any other fields are ignored by the server but the whole object is visible to the executed code through the request global (REQUEST by default). A response is either {"value": <json>} holding the JSON encoding of the code's result, or {"error": "<message>"}. Malformed requests and exceptions thrown by the code produce error responses and the connection stays open.

The protocol proceeds as follows:

1. The client connects to the socket.
2. The client sends a request blob.
3. The server runs the code, then writes and flushes exactly one response blob before reading the next request.
4. Steps 2 and 3 repeat until either side closes the connection.

All connections share one runtime, so globals defined by one request are visible to later requests on any connection. Requests are run one at a time.

There is no authentication. The socket is created with owner-only permissions and that is the only access control; anything that can connect can run arbitrary code with the server's privileges.

The server can optionally expose a gateway on a second unix socket: an HTTP server with a heartbeat endpoint and a WebSocket endpoint that carries the same blobs as binary messages.
*/
package repl
