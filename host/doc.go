// Package host is the client side of acpconn: it launches an agent as a
// subprocess, talks ACP to it over the child's stdin and stdout, and serves
// the agent's fs requests from the local disk.
//
// Spawn starts the agent and exposes its pipes as a transport.Stream, which is
// handed to acp.NewClientConn together with a Terminal. The Terminal prints
// session updates, answers permission requests from its input and, through
// its FileSystem, reads and writes files inside the workspace subject to the
// configured hidden and read-only patterns.
package host
