// Package live runs a conversation session against a remote agent service.
//
// A Session owns one streaming connection, the per-participant interaction
// engines, the outgoing queue and the microphone pipeline, and advances all of
// them from a single fixed-interval tick.
//
// # Data Flow
//
//	microphone → audio.Pipeline → outgoing.Queue → transport
//	transport → inbound packets → interaction.Engine (one per agent) → Handler
//
// # Connection lifecycle
//
//	IDLE → INITIALIZING → INITIALIZED → CONNECTING → CONNECTED
//	                                        ↑             │
//	                                        └─ transient ─┘
//
// Session-invalid failures move the session to ERROR and halt outgoing sends
// until Reinitialize. Quota failures move it to EXHAUSTED; the caller decides
// when to Reinitialize.
//
// # Usage
//
//	sess, err := live.NewSession(live.DefaultConfig(), live.Dependencies{
//	    Dialer:  wstransport.NewDialer(wstransport.DefaultConfig(url), logger),
//	    Auth:    auth.NewCachingProvider(auth.NewHTTPProvider(tokenURL, key, scene), 30*time.Second),
//	    Handler: myHandler,
//	})
//	go sess.Run(ctx)
//	sess.SendText("bob", "Hello")
package live
