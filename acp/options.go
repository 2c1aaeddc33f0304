package acp

import (
	"time"

	"github.com/m4xw311/acpconn/logger"
)

type options struct {
	log         *logger.Logger
	info        *Implementation
	versions    VersionRange
	sessionDir  string
	idleTimeout time.Duration
	promptCaps  PromptCapabilities
}

func defaultOptions() options {
	return options{
		log:      logger.Default().WithComponent("acp"),
		versions: DefaultVersions,
	}
}

// Option configures an AgentConn or a ClientConn.
type Option func(*options)

// WithLogger sets the logger for the protocol layer and its connection.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithInfo sets the implementation name sent during initialize.
func WithInfo(name, version string) Option {
	return func(o *options) { o.info = &Implementation{Name: name, Version: version} }
}

// WithVersions sets the supported protocol version range.
func WithVersions(minVersion, maxVersion int) Option {
	return func(o *options) { o.versions = VersionRange{Min: minVersion, Max: maxVersion} }
}

// WithSessionDir persists agent sessions under dir and enables session/load.
// Agent side only.
func WithSessionDir(dir string) Option {
	return func(o *options) { o.sessionDir = dir }
}

// WithIdleTimeout evicts agent sessions that have been idle for d. Zero
// keeps sessions until the connection ends. Agent side only.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithPromptCapabilities sets the prompt content an agent accepts.
func WithPromptCapabilities(caps PromptCapabilities) Option {
	return func(o *options) { o.promptCaps = caps }
}
