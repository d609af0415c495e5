package protocol

// Websocket close codes used on the agent connection. The 4xxx range holds
// the auth failure codes; agents use them to decide whether reconnecting is
// worth attempting (credential failures are not retried).
const (
	// CloseNormal is a clean shutdown or replacement of a connection.
	CloseNormal = 1000

	// CloseGoingAway is sent by a peer that is shutting down.
	CloseGoingAway = 1001

	// CloseAuthTimeout means the agent sent no auth_request within the
	// handshake window.
	CloseAuthTimeout = 4001

	// ClosePreAuthMessage means the agent sent a non-auth message before
	// authenticating.
	ClosePreAuthMessage = 4002

	// CloseMalformedAuth means the auth_request could not be decoded or
	// failed validation.
	CloseMalformedAuth = 4003

	// CloseInvalidCredentials means the API key was unknown, revoked or
	// expired. Agents must not retry with the same key.
	CloseInvalidCredentials = 4004
)
