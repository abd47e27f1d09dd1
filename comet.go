// Package comet provides a Go implementation of bidirectional messaging over
// HTTP long polling
package comet

import (
	"github.com/ajitpratap0/comet-go/pkg/client"
	"github.com/ajitpratap0/comet-go/pkg/multiplex"
	"github.com/ajitpratap0/comet-go/pkg/reliable"
	"github.com/ajitpratap0/comet-go/pkg/server"
	"github.com/ajitpratap0/comet-go/pkg/transport"
)

// Version represents the current version of the module
const Version = "0.1.0"

// These exports provide direct access to the core components
var (
	// NewClient creates a client that shares one poller per endpoint
	NewClient = client.New

	// NewPoller creates a long-polling transport
	NewPoller = transport.NewPoller

	// NewMultiplexer creates a multiplexer over its own poller
	NewMultiplexer = multiplex.New

	// Connect opens a reliable conn on a multiplexer
	Connect = reliable.Connect

	// NewHandler creates the reference server's HTTP handler
	NewHandler = server.NewHandler

	// NewRouter creates a channel target router for the server
	NewRouter = server.NewRouter

	// NewMuxFactory creates a session factory that multiplexes channels
	NewMuxFactory = server.NewMuxFactory

	// NewReliableFactory creates a channel factory for reliable endpoints
	NewReliableFactory = server.NewReliableFactory
)

// Defaults
var (
	DefaultPollerConfig  = transport.DefaultPollerConfig
	DefaultHandlerConfig = server.DefaultHandlerConfig
)

// UseDefaultDelay asks StartSend and Send for the configured send delay
const UseDefaultDelay = transport.UseDefaultDelay
