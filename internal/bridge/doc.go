// Package bridge implements the inter-module remote call layer.
//
// An API owns one Client per module name. A Client forwards method calls and
// event subscriptions to the module's Endpoint, obtained from a Transport:
//
//	api := bridge.New(transport, bridge.WithTimeout(30*time.Second))
//	defer api.Close()
//
//	client := api.Client("chat")
//	if !client.IsConnected() {
//	    return bridge.ErrModuleNotConnected
//	}
//	reply, err := client.Invoke(ctx, "send", "hello")
//
// # Invocation
//
// Invoke blocks until the module answers, the endpoint goes away, or the
// call timeout elapses. At most MaxArgs positional arguments are forwarded;
// more fail with ErrTooManyArguments before anything is sent. Invoking on a
// disconnected client fails with ErrModuleNotConnected and has no effect.
//
// # Events
//
// Subscriptions are kept in a registry keyed by (module, event). Listeners
// of a topic run in subscription order on the API's dispatcher goroutine,
// never on the emitting module's stack. A Subscription stays registered
// until Unsubscribe is called.
//
// # Transports
//
// LocalTransport serves modules registered in this process. WSTransport
// reaches modules served by another process through Server over websockets.
package bridge
