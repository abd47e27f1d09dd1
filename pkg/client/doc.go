// Package client is the entry point for applications talking to a comet
// server.
//
// A Client lazily creates one multiplex.Multiplexer per endpoint URL and
// hands out channels on it:
//
//	c := client.New(client.WithLogger(logger))
//	defer c.Close(context.Background())
//
//	conn, err := c.Connect(ctx, "https://example.com/comet", "/chat", reliable.Handlers{
//	    OnData: func(data json.RawMessage) error {
//	        fmt.Println(string(data))
//	        return nil
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	err = conn.Send(map[string]string{"text": "hello"}, transport.UseDefaultDelay)
//
// Channels opened against the same URL share a poller, so a page with many
// conversations still holds a single long poll open.
package client
