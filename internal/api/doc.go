// Package api serves the bridge's HTTP API and WebSocket stream.
//
// Routes live under /api/v1:
//
//	GET  /health                                             liveness and runnable stats
//	GET  /metrics                                            runtime, accessory and relay counters
//	GET  /accessories                                        all accessories
//	GET  /accessories/{name}                                 one accessory
//	PUT  /accessories/{name}/characteristics/{characteristic} set a value (auth)
//	GET  /runnable                                           communicator stats
//	POST /runnable/connect                                   (re)start the runnable (auth)
//	POST /runnable/disconnect                                stop the runnable (auth)
//	GET  /ws                                                 live event stream
//
// Authenticated routes take an HS256 bearer token signed with
// security.jwt.secret; see IssueToken.
//
// WebSocket clients receive event frames on the accessory.changed and
// runnable.message channels. The channels and accessories query parameters
// choose the initial subscription; subscribe and unsubscribe frames change
// it at runtime. An accessory filter also applies to runnable messages,
// matched on their name field.
package api
