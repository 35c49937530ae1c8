package metrics

// Pre-defined metrics for the EDR runtime. All metrics live in
// DefaultRegistry so they are globally accessible without passing a
// registry around.

var (
	// ---- Provider ----

	// RPCRequests counts JSON-RPC requests by method and outcome.
	RPCRequests = DefaultRegistry.Counter("rpc_requests_total", "JSON-RPC requests handled.", "method", "status")
	// RPCDuration records JSON-RPC handler latency.
	RPCDuration = DefaultRegistry.Histogram("rpc_request_duration_seconds", "JSON-RPC handler latency.", "method")

	// ---- Transport ----

	// WSConnections tracks open WebSocket connections.
	WSConnections = DefaultRegistry.Gauge("ws_connections", "Open WebSocket connections.")

	// ---- Mining ----

	// BlocksMined counts blocks appended by any mining mode.
	BlocksMined = DefaultRegistry.Counter("blocks_mined_total", "Blocks mined locally.", "mode")
	// MempoolTransactions tracks the number of transactions per pool.
	MempoolTransactions = DefaultRegistry.Gauge("mempool_transactions", "Transactions held by the mempool.", "pool")

	// ---- Remote ----

	// RPCClientCacheHits counts remote responses served from the disk cache.
	RPCClientCacheHits = DefaultRegistry.Counter("rpc_client_cache_hits_total", "Remote RPC responses served from cache.", "method")
	// RPCClientCacheMisses counts remote responses fetched over the network.
	RPCClientCacheMisses = DefaultRegistry.Counter("rpc_client_cache_misses_total", "Remote RPC responses fetched from the endpoint.", "method")

	// ---- Solidity tests ----

	// TestsRun counts Solidity tests by outcome.
	TestsRun = DefaultRegistry.Counter("solidity_tests_total", "Solidity tests executed.", "status")
)
