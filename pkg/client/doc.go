// Package client provides a Go SDK for the task queue HTTP API: submitting
// and inspecting tasks, admin queue/worker inspection, and a WebSocket
// client for real-time lifecycle events.
//
// # Basic Usage
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	id, err := c.SubmitTask(ctx, "emails", map[string]interface{}{
//	    "to":      "user@example.com",
//	    "subject": "Hello",
//	})
//
// # WebSocket Events
//
//	err := c.ConnectWebSocket(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.CloseWebSocket()
//
//	for event := range c.Events() {
//	    fmt.Printf("Event: %s\n", event.Type)
//	}
//
// # Configuration
//
// The client supports functional options for configuration:
//
//	client, err := client.New("http://localhost:8080",
//	    client.WithAPIKey("your-api-key"),
//	    client.WithTimeout(30 * time.Second),
//	)
package client
