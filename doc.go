// Package comet carries JSON messages both ways between a client and an HTTP
// server using nothing but long-polling POST requests.
//
// # Overview
//
// The module is layered:
//
//   - pkg/transport: the Poller, which keeps one long poll in flight and
//     piggybacks outgoing data on it
//   - pkg/multiplex: many logical channels over one Poller
//   - pkg/reliable: ordered, acknowledged delivery with a close handshake on
//     top of a channel
//   - pkg/server: a reference peer implementing the server side of all three
//   - pkg/client: a facade sharing one multiplexer per endpoint
//   - pkg/protocol: the JSON wire types
//
// # Connecting
//
// A reliable conn to a server target:
//
//	c := comet.NewClient()
//	defer c.Close(context.Background())
//
//	conn, err := c.Connect(ctx, "http://localhost:8080/comet", "/loopback", reliable.Handlers{
//	    OnData: func(data json.RawMessage) error {
//	        fmt.Println("received", string(data))
//	        return nil
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	conn.Send("hello", comet.UseDefaultDelay)
//
// # Serving
//
// The reference server routes channel targets to factories:
//
//	router := comet.NewRouter()
//	router.Handle("/loopback", server.LoopbackFactory())
//
//	h, err := comet.NewHandler(comet.NewMuxFactory(router), comet.DefaultHandlerConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close()
//	http.Handle("/comet", h)
//
// See the examples directory for complete programs.
package comet
