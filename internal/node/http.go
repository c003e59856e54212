package node

import (
	"net/http"

	"regionkv/internal/httpapi"
)

// HTTPHandler serves the client API and /metrics.
func (n *Node) HTTPHandler() http.Handler {
	return httpapi.NewRouter(n, n.metrics.Handler(), n.logger)
}
