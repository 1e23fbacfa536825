// Package api exposes the REST surface of the gateway: template compilation,
// synchronous plan execution, asynchronous runs, governance evaluation and the
// consent-gated agent conversation. Routes are served by a chi router that
// records Prometheus metrics per route pattern.
package api
