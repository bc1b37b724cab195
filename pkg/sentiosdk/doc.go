/*
Package sentiosdk is the client SDK for the Sentio emotion-telemetry
platform. It covers the three client-side concerns the platform needs:
credential lifecycle, one-shot API requests, and the long-lived
per-patient update stream.

# Credentials

A CredentialStore holds the current access/refresh token pair and hands
out access tokens that are guaranteed not to be past expiry (with a 60
second safety margin). Expired tokens are refreshed transparently
through the remote authority; concurrent callers share a single
in-flight refresh. Before the first real login the store hands out a
fixed demo token so the SDK can be evaluated without an account.

	auth := sentiosdk.NewAuthClient("https://api.sentio.example")
	creds := sentiosdk.NewCredentialStore(auth, logger)

# Requests

A Client issues request/response calls against the resource API. Every
call is registered as a pending call with a hard wall-clock timeout
(default 30s), can be cancelled in bulk via CancelAll, and performs at
most one transparent retry after a token refresh when the server
rejects the credential.

	api := sentiosdk.NewClient("https://api.sentio.example", auth, creds, logger)

	var scans []Scan
	err := api.Get(ctx, "/v1/patients/p1/scans", nil, &scans)

Failures surface as typed errors: *APIError for remote-reported
failures, ErrTimeout for deadline expiry, ErrUnauthorized when the
credential was rejected and could not be refreshed. Match them with
errors.Is / errors.As.

# Streaming

A StreamClient supervises one websocket connection per subscription
target. It subscribes on connect, sends periodic pings, reconnects with
exponential backoff when the connection drops, and switches targets
over the live connection without reconnecting. When every reconnect
attempt is exhausted it degrades to a local generator that synthesizes
plausible updates on a fixed interval, so consumers keep receiving a
steady feed under total network failure. The callback interface is
identical for live and synthetic data; only the status observer can
tell the difference via State.

	stream := sentiosdk.NewStreamClient(sentiosdk.StreamConfig{
		URL: "wss://stream.sentio.example",
	}, creds, logger)
	stream.OnUpdate(func(u sentiosdk.Update) { ... })
	stream.OnAlert(func(a sentiosdk.Alert) { ... })
	stream.Connect("patient-42")
	defer stream.Disconnect()

Disconnect is the only operation that suppresses reconnection. It stops
every timer (heartbeat, reconnect backoff, fallback generator)
synchronously: once it returns no further callbacks fire.
*/
package sentiosdk
