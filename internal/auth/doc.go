// Package auth provides JWT bearer-token verification for the protected
// HTTP surfaces: the firehose websocket and the broker-wide conversation
// listing endpoints. Tokens are HS256 JWTs sharing a secret between server
// and admin tooling; authentication is disabled when no secret is
// configured.
package auth
