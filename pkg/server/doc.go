// Package server is a reference peer for the comet protocol.
//
// It provides the pieces a host application needs to answer pollers:
//
//   - Handler: an http.Handler that keeps one session per transport id and
//     holds requests open until data is ready or the long-poll window ends
//   - Mux: a session endpoint hosting the channels a client multiplexer opens
//   - ReliableEndpoint: the server half of a reliable channel
//   - EchoEndpoint and NewLoopbackEndpoint: endpoints for tests and demos
//
// # Status contract
//
// The Handler answers 409 when "isNew" names a session that already exists
// and 410 when a request names one that does not. Both are what the client
// poller keys its session recovery on. Malformed requests get 400.
//
// # Serving a multiplexer
//
//	router := server.NewRouter()
//	router.Handle("/echo", server.EchoFactory)
//	router.Handle("/loopback", server.LoopbackFactory())
//
//	handler, err := server.NewHandler(server.NewMuxFactory(router), server.DefaultHandlerConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer handler.Close()
//
//	http.Handle("/comet", handler)
//
// Channel endpoints signal new data through the Waker they were created
// with; the Handler then releases the session's waiting request.
package server
